package validator

import (
	"strings"

	"github.com/donniecs/SunSCORM/internal/model"
)

// Signals are the observations classification is based on.
type Signals struct {
	HasManifest bool
	HasAICC     bool
	// SchemaVersion is the text of metadata/schemaversion.
	SchemaVersion string
	// RootVersion is the manifest element's version attribute.
	RootVersion string
	// Markers are namespace URIs and schemaLocation entries.
	Markers []string
}

var (
	scorm12Markers   = []string{"imscp_rootv1p1p2", "adlcp_rootv1p2"}
	scorm2004Markers = []string{"imscp_v1p1", "adlcp_v1p3", "adlseq_v1p3", "adlnav_v1p3"}
)

// Classify maps signals to a packaging standard. The schema version wins
// when it names exactly one standard, then namespace markers when they agree,
// and SCORM 1.2 is the fallback for any manifest.
func Classify(s Signals) model.Standard {
	if !s.HasManifest {
		if s.HasAICC {
			return model.StandardAICC
		}
		return model.StandardUnknown
	}

	if std, ok := fromSchemaVersion(s.SchemaVersion); ok {
		return std
	}

	is12, is2004 := false, strings.HasPrefix(s.RootVersion, "2004")
	for _, m := range s.Markers {
		m = strings.ToLower(m)
		if containsAny(m, scorm12Markers) {
			is12 = true
		}
		if containsAny(m, scorm2004Markers) {
			is2004 = true
		}
	}
	if is2004 && !is12 {
		return model.StandardSCORM2004
	}
	return model.StandardSCORM12
}

func fromSchemaVersion(v string) (model.Standard, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case v == "":
		return "", false
	case v == "1.2":
		return model.StandardSCORM12, true
	case strings.Contains(v, "2004") || strings.Contains(v, "cam 1.3"):
		return model.StandardSCORM2004, true
	}
	return "", false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
