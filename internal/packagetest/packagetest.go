// Package packagetest builds in-memory content package fixtures for tests.
package packagetest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// File is one archive member. Members are written in slice order.
type File struct {
	Name string
	Body string
}

// Zip returns the bytes of an archive containing files.
func Zip(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			t.Fatalf("create %s: %v", f.Name, err)
		}
		if _, err := w.Write([]byte(f.Body)); err != nil {
			t.Fatalf("write %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// WriteZip stores an archive under dir and returns its path.
func WriteZip(t testing.TB, dir, name string, files ...File) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, Zip(t, files...), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// SCORM12Manifest is a minimal 1.2 descriptor launching href.
func SCORM12Manifest(title, href string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<manifest identifier="course-12" version="1.0"
  xmlns="http://www.imsproject.org/xsd/imscp_rootv1p1p2"
  xmlns:adlcp="http://www.adlnet.org/xsd/adlcp_rootv1p2">
  <metadata>
    <schema>ADL SCORM</schema>
    <schemaversion>1.2</schemaversion>
  </metadata>
  <organizations default="org1">
    <organization identifier="org1">
      <title>%s</title>
      <item identifier="item1" identifierref="res1"><title>Lesson</title></item>
    </organization>
  </organizations>
  <resources>
    <resource identifier="res1" type="webcontent" adlcp:scormtype="sco" href="%s"/>
  </resources>
</manifest>`, title, href)
}

// SCORM2004Manifest is a minimal 2004 4th edition descriptor launching href.
func SCORM2004Manifest(title, href string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<manifest identifier="course-2004" version="1"
  xmlns="http://www.imsglobal.org/xsd/imscp_v1p1"
  xmlns:adlcp="http://www.adlnet.org/xsd/adlcp_v1p3"
  xmlns:adlseq="http://www.adlnet.org/xsd/adlseq_v1p3"
  xmlns:adlnav="http://www.adlnet.org/xsd/adlnav_v1p3"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
  xsi:schemaLocation="http://www.imsglobal.org/xsd/imscp_v1p1 imscp_v1p1.xsd">
  <metadata>
    <schema>ADL SCORM</schema>
    <schemaversion>2004 4th Edition</schemaversion>
  </metadata>
  <organizations default="org1">
    <organization identifier="org1">
      <title>%s</title>
      <item identifier="item1" identifierref="res1"><title>Lesson</title></item>
    </organization>
  </organizations>
  <resources>
    <resource identifier="res1" type="webcontent" adlcp:scormType="sco" href="%s"/>
  </resources>
</manifest>`, title, href)
}

// SCORM12 is a complete 1.2 package with an index page.
func SCORM12(t testing.TB, title string) []byte {
	return Zip(t,
		File{Name: "imsmanifest.xml", Body: SCORM12Manifest(title, "index.html")},
		File{Name: "index.html", Body: "<html><body>" + title + "</body></html>"},
		File{Name: "css/site.css", Body: "body{}"},
	)
}
