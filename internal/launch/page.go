package launch

import (
	"html/template"
	"io"
	"mime"
	"path"
	"strings"
)

var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".pdf":  "application/pdf",
	".xml":  "application/xml",
	".txt":  "text/plain; charset=utf-8",
}

// ContentType maps a package path to a media type.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Shell describes the delivery page around the course frame.
type Shell struct {
	Title         string
	ContentURL    string
	StatementsURL string
	ObjectID      string
	Email         string
	Preview       bool
}

var shellTemplate = template.Must(template.New("shell").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
html, body { margin: 0; height: 100%; overflow: hidden; }
iframe { border: 0; width: 100%; height: 100%; display: block; }
.banner { position: fixed; top: 0; right: 0; padding: 4px 10px; background: #b45309; color: #fff; font: 12px sans-serif; }
</style>
<script>
(function () {
  var endpoint = {{.StatementsURL}};
  var objectId = {{.ObjectID}};
  var data = {};
  function send(verb, extra) {
    if (!endpoint) { return; }
    var result = {
      lesson_status: data["cmi.core.lesson_status"] || "",
      completion_status: data["cmi.completion_status"] || "",
      score_raw: data["cmi.core.score.raw"] || data["cmi.score.raw"] || ""
    };
    var body = JSON.stringify({ verb: verb, objectId: objectId, result: result, progress: data });
    if (navigator.sendBeacon && extra === "unload") {
      navigator.sendBeacon(endpoint, new Blob([body], { type: "application/json" }));
      return;
    }
    fetch(endpoint, { method: "POST", headers: { "Content-Type": "application/json" }, body: body, keepalive: true });
  }
  function status() {
    var s = data["cmi.core.lesson_status"] || data["cmi.completion_status"] || "";
    return s === "completed" || s === "passed" ? s : "progressed";
  }
  var seed = {"cmi.core.student_id": {{.Email}}, "cmi.learner_id": {{.Email}}};
  for (var k in seed) { if (seed[k]) { data[k] = seed[k]; } }
  var api12 = {
    LMSInitialize: function () { send("initialized"); return "true"; },
    LMSFinish: function () { send(status(), "unload"); return "true"; },
    LMSGetValue: function (k) { return data[k] || ""; },
    LMSSetValue: function (k, v) { data[k] = String(v); return "true"; },
    LMSCommit: function () { send(status()); return "true"; },
    LMSGetLastError: function () { return "0"; },
    LMSGetErrorString: function () { return ""; },
    LMSGetDiagnostic: function () { return ""; }
  };
  window.API = api12;
  window.API_1484_11 = {
    Initialize: api12.LMSInitialize,
    Terminate: api12.LMSFinish,
    GetValue: api12.LMSGetValue,
    SetValue: api12.LMSSetValue,
    Commit: api12.LMSCommit,
    GetLastError: api12.LMSGetLastError,
    GetErrorString: api12.LMSGetErrorString,
    GetDiagnostic: api12.LMSGetDiagnostic
  };
})();
</script>
</head>
<body>
{{if .Preview}}<div class="banner">Preview</div>{{end}}
<iframe src="{{.ContentURL}}" title="{{.Title}}" allowfullscreen></iframe>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f3f4f6; }
main { background: #fff; padding: 2rem 3rem; border-radius: 8px; max-width: 32rem; text-align: center; }
h1 { font-size: 1.4rem; color: #b91c1c; }
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</main>
</body>
</html>
`))

// RenderShell writes the delivery page.
func RenderShell(w io.Writer, s Shell) error {
	return shellTemplate.Execute(w, s)
}

// RenderError writes the non-retryable error page.
func RenderError(w io.Writer, title, message string) error {
	return errorTemplate.Execute(w, struct{ Title, Message string }{title, message})
}
