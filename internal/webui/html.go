package webui

import (
	"html/template"
	"strconv"
	"strings"
)

// Page text.
const (
	PageTitle    = "PPE Detection App"
	PageHeading  = "PPE Detection: Image & Video"
	SidebarTitle = "Model Settings"
)

type indexData struct {
	Title        string
	Heading      string
	SidebarTitle string
	Min          float64
	Max          float64
	Default      float64
	Step         float64
	Accept       string
	AcceptList   string
	Backend      string
}

func acceptAttr(exts []string) string {
	dotted := make([]string, len(exts))
	for i, e := range exts {
		dotted[i] = "." + e
	}
	return strings.Join(dotted, ",")
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"fixed": formatFixed,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/app.css">
</head>
<body>
    <div class="layout">
        <aside class="sidebar">
            <h2>{{.SidebarTitle}}</h2>
            <label for="conf">Confidence threshold: <span id="conf-value">{{fixed .Default}}</span></label>
            <input type="range" id="conf" name="conf"
                   min="{{fixed .Min}}" max="{{fixed .Max}}" value="{{fixed .Default}}" step="{{fixed .Step}}">
            <p class="muted">Model backend: <code>{{.Backend}}</code></p>
            <h3>Recent jobs</h3>
            <ul id="jobs" class="jobs"></ul>
        </aside>

        <main class="content">
            <h1>{{.Heading}}</h1>
            <form id="upload-form">
                <label for="file">Upload an image or video ({{.AcceptList}})</label>
                <input type="file" id="file" name="file" accept="{{.Accept}}">
                <button type="submit">Detect</button>
            </form>
            <div id="message" class="message" hidden></div>

            <section id="result" hidden>
                <div class="viewer">
                    <img id="result-image" alt="Annotated output">
                </div>
                <div class="side">
                    <h3>Detections</h3>
                    <table id="counts"><tbody></tbody></table>
                    <p id="progress" class="muted"></p>
                    <a id="download" hidden>Download annotated video</a>
                </div>
            </section>
        </main>
    </div>
    <script src="/assets/app.js"></script>
</body>
</html>
`))

func formatFixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
