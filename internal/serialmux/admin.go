package serialmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html>
<head><title>serial console</title></head>
<body>
<form id="cmd" method="post" action="/debug/send-command-api">
  <input name="command" size="40" autofocus placeholder="PING">
  <button type="submit">send</button>
</form>
<pre id="reply"></pre>
<h3>live tail</h3>
<pre id="tail"></pre>
<script>
const form = document.getElementById("cmd");
form.addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch(form.action, {method: "POST", body: new FormData(form)});
  document.getElementById("reply").textContent = await res.text();
});
const tail = document.getElementById("tail");
const es = new EventSource("/debug/tail");
es.onmessage = (e) => { tail.textContent = e.data + "\n" + tail.textContent.slice(0, 20000); };
</script>
</body>
</html>
`))

// AttachAdminRoutes registers the serial console, the live RX/TX tail and a
// link status endpoint on the tsweb debug page.
func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		reply, err := s.Send(r.Context(), Command{Line: command, Expect: []string{"OK"}})
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				http.Error(w, fmt.Sprintf("Device error: %s", pe.Reply), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("Command failed: %v", err), http.StatusBadGateway)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %q, reply %q", command, reply))
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleFunc("serial-link", "serial link status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"connected": s.Connected(),
			"closing":   s.closing.Load(),
		})
	})
}
