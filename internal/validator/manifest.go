package validator

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html/charset"
)

type xmlManifest struct {
	XMLName       xml.Name         `xml:"manifest"`
	Identifier    string           `xml:"identifier,attr"`
	Version       string           `xml:"version,attr"`
	Attrs         []xml.Attr       `xml:",any,attr"`
	Metadata      xmlMetadata      `xml:"metadata"`
	Organizations xmlOrganizations `xml:"organizations"`
	Resources     xmlResources     `xml:"resources"`
}

type xmlMetadata struct {
	Schema        string `xml:"schema"`
	SchemaVersion string `xml:"schemaversion"`
}

type xmlOrganizations struct {
	Default       string            `xml:"default,attr"`
	Organizations []xmlOrganization `xml:"organization"`
}

type xmlOrganization struct {
	Identifier  string    `xml:"identifier,attr"`
	Title       string    `xml:"title"`
	Description string    `xml:"description"`
	Items       []xmlItem `xml:"item"`
}

type xmlItem struct {
	Identifier    string    `xml:"identifier,attr"`
	IdentifierRef string    `xml:"identifierref,attr"`
	Title         string    `xml:"title"`
	Items         []xmlItem `xml:"item"`
}

type xmlResources struct {
	Base      string        `xml:"base,attr"`
	Resources []xmlResource `xml:"resource"`
}

type xmlResource struct {
	Identifier string `xml:"identifier,attr"`
	Type       string `xml:"type,attr"`
	Href       string `xml:"href,attr"`
	Base       string `xml:"base,attr"`
}

func parseManifest(name string, data []byte) (*Manifest, error) {
	var doc xmlManifest
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDescriptor, name, err)
	}

	sig := Signals{
		HasManifest:   true,
		SchemaVersion: strings.TrimSpace(doc.Metadata.SchemaVersion),
		RootVersion:   strings.TrimSpace(doc.Version),
	}
	if space := doc.XMLName.Space; space != "" {
		sig.Markers = append(sig.Markers, space)
	}
	for _, attr := range doc.Attrs {
		switch {
		case attr.Name.Space == "xmlns", attr.Name.Local == "xmlns":
			sig.Markers = append(sig.Markers, attr.Value)
		case attr.Name.Local == "schemaLocation":
			sig.Markers = append(sig.Markers, strings.Fields(attr.Value)...)
		}
	}

	m := &Manifest{
		Standard:      Classify(sig),
		Identifier:    strings.TrimSpace(doc.Identifier),
		Version:       sig.RootVersion,
		SchemaVersion: sig.SchemaVersion,
		Descriptor:    name,
	}
	if org := doc.defaultOrganization(); org != nil {
		m.Title = strings.TrimSpace(org.Title)
		m.Description = strings.TrimSpace(org.Description)
	}
	if href := doc.launchHref(); href != "" {
		m.EntryPoint = path.Join(path.Dir(name), cleanHref(href))
	}
	return m, nil
}

// defaultOrganization honours the organizations default attribute and falls
// back to the first organization.
func (d *xmlManifest) defaultOrganization() *xmlOrganization {
	orgs := d.Organizations.Organizations
	if len(orgs) == 0 {
		return nil
	}
	for i := range orgs {
		if d.Organizations.Default != "" && orgs[i].Identifier == d.Organizations.Default {
			return &orgs[i]
		}
	}
	return &orgs[0]
}

// launchHref resolves the first item's identifierref, otherwise the first
// resource carrying an href.
func (d *xmlManifest) launchHref() string {
	if org := d.defaultOrganization(); org != nil {
		if ref := firstRef(org.Items); ref != "" {
			for _, res := range d.Resources.Resources {
				if res.Identifier == ref && res.Href != "" {
					return d.Resources.Base + res.Base + res.Href
				}
			}
		}
	}
	for _, res := range d.Resources.Resources {
		if res.Href != "" {
			return d.Resources.Base + res.Base + res.Href
		}
	}
	return ""
}

func firstRef(items []xmlItem) string {
	for _, it := range items {
		if it.IdentifierRef != "" {
			return it.IdentifierRef
		}
		if ref := firstRef(it.Items); ref != "" {
			return ref
		}
	}
	return ""
}

// cleanHref drops launch parameters and decodes escaped characters so the
// result names a file inside the archive.
func cleanHref(href string) string {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	return strings.TrimPrefix(path.Clean("/"+href), "/")
}
