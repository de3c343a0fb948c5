package server

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/gaspardpetit/toolbarproxy/internal/logx"
)

//go:embed host.html
var hostHTML string

var hostTemplate = template.Must(template.New("host").Parse(hostHTML))

type hostPage struct {
	FrameSrc string
	Visible  bool
}

// HostPageHandler serves the page embedding the remote frame. A visible frame
// is shown as a login pill until the frame reports a session cookie.
func HostPageHandler(frameSrc string, visible bool) http.HandlerFunc {
	var buf bytes.Buffer
	if err := hostTemplate.Execute(&buf, hostPage{FrameSrc: frameSrc, Visible: visible}); err != nil {
		panic(err)
	}
	page := buf.Bytes()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(page); err != nil {
			logx.Log.Error().Err(err).Msg("write host page")
		}
	}
}
