// Package export builds the SCORM 1.2 wrapper an external LMS imports to
// reach a grant. The wrapper holds no course content; its launch page
// forwards the learner to the platform's launch URL.
package export

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/donniecs/SunSCORM/internal/model"
)

// Bundle is everything the wrapper describes.
type Bundle struct {
	PublicURL  string
	Grant      *model.AccessGrant
	Package    *model.ContentPackage
	ExportedAt time.Time
}

// LaunchURL is where the wrapper sends learners.
func (b Bundle) LaunchURL() string {
	return strings.TrimRight(b.PublicURL, "/") + "/launch/" + b.Grant.Token
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// FileName is the suggested download name.
func (b Bundle) FileName() string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(b.Grant.Name), "_"), "_")
	if name == "" {
		name = b.Grant.ID
	}
	return "dispatch-" + name + ".zip"
}

// Write streams the wrapper archive to w.
func Write(w io.Writer, b Bundle) error {
	if b.Grant == nil || b.Package == nil {
		return fmt.Errorf("export: grant and package are required")
	}
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"index.html", b.writeLoader},
		{"imsmanifest.xml", b.writeManifest},
		{"dispatch.json", b.writeMetadata},
	}
	for _, f := range files {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: b.ExportedAt})
		if err != nil {
			return fmt.Errorf("create %s: %w", f.name, err)
		}
		if err := f.write(fw); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

var loader = template.Must(template.New("loader").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script>
(function () {
  var api = null;
  for (var w = window; w && !api; w = w === w.parent ? null : w.parent) {
    try { api = w.API || null; } catch (e) { api = null; }
  }
  var target = {{.LaunchURL}};
  if (api) {
    try {
      api.LMSInitialize("");
      var email = api.LMSGetValue("cmi.core.student_id");
      if (email && email.indexOf("@") > 0) {
        target += "?email=" + encodeURIComponent(email);
      }
    } catch (e) {}
  }
  window.location.href = target;
})();
</script>
</head>
<body>
<p>Loading <a href="{{.LaunchURL}}">{{.Title}}</a>&hellip;</p>
</body>
</html>
`))

func (b Bundle) writeLoader(w io.Writer) error {
	return loader.Execute(w, struct {
		Title     string
		LaunchURL string
	}{b.Package.Title, b.LaunchURL()})
}

type manifestXML struct {
	XMLName        xml.Name `xml:"manifest"`
	Identifier     string   `xml:"identifier,attr"`
	Version        string   `xml:"version,attr"`
	Xmlns          string   `xml:"xmlns,attr"`
	Adlcp          string   `xml:"xmlns:adlcp,attr"`
	Xsi            string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`
	Metadata       struct {
		Schema        string `xml:"schema"`
		SchemaVersion string `xml:"schemaversion"`
	} `xml:"metadata"`
	Organizations struct {
		Default      string `xml:"default,attr"`
		Organization struct {
			Identifier string `xml:"identifier,attr"`
			Title      string `xml:"title"`
			Item       struct {
				Identifier    string `xml:"identifier,attr"`
				IdentifierRef string `xml:"identifierref,attr"`
				Title         string `xml:"title"`
			} `xml:"item"`
		} `xml:"organization"`
	} `xml:"organizations"`
	Resources struct {
		Resource struct {
			Identifier string `xml:"identifier,attr"`
			Type       string `xml:"type,attr"`
			ScormType  string `xml:"adlcp:scormtype,attr"`
			Href       string `xml:"href,attr"`
			File       struct {
				Href string `xml:"href,attr"`
			} `xml:"file"`
		} `xml:"resource"`
	} `xml:"resources"`
}

func (b Bundle) writeManifest(w io.Writer) error {
	var m manifestXML
	m.Identifier = "dispatch_" + b.Grant.ID
	m.Version = "1.0"
	m.Xmlns = "http://www.imsproject.org/xsd/imscp_rootv1p1p2"
	m.Adlcp = "http://www.adlnet.org/xsd/adlcp_rootv1p2"
	m.Xsi = "http://www.w3.org/2001/XMLSchema-instance"
	m.SchemaLocation = "http://www.imsproject.org/xsd/imscp_rootv1p1p2 imscp_rootv1p1p2.xsd " +
		"http://www.adlnet.org/xsd/adlcp_rootv1p2 adlcp_rootv1p2.xsd"
	m.Metadata.Schema = "ADL SCORM"
	m.Metadata.SchemaVersion = "1.2"
	m.Organizations.Default = "default_org"
	org := &m.Organizations.Organization
	org.Identifier = "default_org"
	org.Title = b.Package.Title
	org.Item.Identifier = "launch_item"
	org.Item.IdentifierRef = "launch_resource"
	org.Item.Title = b.Package.Title
	res := &m.Resources.Resource
	res.Identifier = "launch_resource"
	res.Type = "webcontent"
	res.ScormType = "sco"
	res.Href = "index.html"
	res.File.Href = "index.html"

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(m)
}

type metadata struct {
	Dispatch struct {
		ID          string     `json:"id"`
		Name        string     `json:"name"`
		CourseTitle string     `json:"courseTitle"`
		LaunchURL   string     `json:"launchUrl"`
		CreatedAt   time.Time  `json:"createdAt"`
		ExpiresAt   *time.Time `json:"expiresAt"`
	} `json:"dispatch"`
	Course struct {
		ID        string         `json:"id"`
		Title     string         `json:"title"`
		ScormType model.Standard `json:"scormType"`
	} `json:"course"`
	ExportedAt time.Time `json:"exportedAt"`
	Platform   string    `json:"platform"`
}

func (b Bundle) writeMetadata(w io.Writer) error {
	var md metadata
	md.Dispatch.ID = b.Grant.ID
	md.Dispatch.Name = b.Grant.Name
	md.Dispatch.CourseTitle = b.Package.Title
	md.Dispatch.LaunchURL = b.LaunchURL()
	md.Dispatch.CreatedAt = b.Grant.CreatedAt
	md.Dispatch.ExpiresAt = b.Grant.ExpiresAt
	md.Course.ID = b.Package.ID
	md.Course.Title = b.Package.Title
	md.Course.ScormType = b.Package.Standard
	md.ExportedAt = b.ExportedAt
	md.Platform = "SunSCORM"
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}
