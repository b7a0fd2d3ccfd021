package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/relayd/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orNone": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Irrigation Relays</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.stale { color: orange; }
</style>
</head>
<body>
<h1>Irrigation Relays</h1>

<h2>Relays</h2>
<table>
<tr><th>Relay</th><td>Kind</td><td>Pin</td><td>State</td><td>Switches</td></tr>
{{range .Relays}}<tr><th>{{.Name}}</th><td>{{.Kind}}</td><td>{{.Pin}}</td><td id="relay-{{.Name}}" class="{{.State}}">{{.State}}</td><td>{{.Switches}}</td></tr>
{{end}}</table>
{{if .RelaysStale}}<p class="stale">Relay access busy; showing last known states.</p>{{end}}
<p>Active: {{.Active}} &middot; Policy: {{.Config.Policy}}</p>
{{with .LastEvent}}<p>Last change: {{.Relay}} {{.Previous}} &rarr; {{.State}} at {{.Timestamp.UTC.Format "2006-01-02T15:04:05Z"}}{{if .Username}} by {{.Username}}{{end}}</p>{{end}}

<h2>Requests</h2>
<table>
{{range $code := .RequestCodes}}<tr><th>{{$code}}</th><td>{{index $.Requests $code}}</td></tr>
{{else}}<tr><th>none yet</th><td></td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{orNone .Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Socket</th><td>{{.Config.Socket}}</td></tr>
<tr><th>Driver</th><td>{{.Config.Driver}}{{if .Config.Address}} @ {{.Config.Address}}{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() and Active() methods but the template wants fields.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Active int
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Active:   snap.Active(),
	}
	indexTmpl.Execute(w, data)
}
