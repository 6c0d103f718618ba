package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/donniecs/SunSCORM/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Signals
		want model.Standard
	}{
		{"nothing", Signals{}, model.StandardUnknown},
		{"aicc only", Signals{HasAICC: true}, model.StandardAICC},
		{"manifest wins over aicc", Signals{HasManifest: true, HasAICC: true}, model.StandardSCORM12},
		{"bare manifest", Signals{HasManifest: true}, model.StandardSCORM12},
		{"schema 1.2", Signals{HasManifest: true, SchemaVersion: "1.2"}, model.StandardSCORM12},
		{"schema 2004", Signals{HasManifest: true, SchemaVersion: "2004 3rd Edition"}, model.StandardSCORM2004},
		{"schema cam", Signals{HasManifest: true, SchemaVersion: "CAM 1.3"}, model.StandardSCORM2004},
		{"schema beats markers", Signals{HasManifest: true, SchemaVersion: "1.2", Markers: []string{"http://www.adlnet.org/xsd/adlcp_v1p3"}}, model.StandardSCORM12},
		{"2004 markers", Signals{HasManifest: true, Markers: []string{"http://www.imsglobal.org/xsd/imscp_v1p1", "http://www.adlnet.org/xsd/adlseq_v1p3"}}, model.StandardSCORM2004},
		{"1.2 markers", Signals{HasManifest: true, Markers: []string{"http://www.imsproject.org/xsd/imscp_rootv1p1p2"}}, model.StandardSCORM12},
		{"conflicting markers", Signals{HasManifest: true, Markers: []string{"adlcp_rootv1p2", "adlnav_v1p3"}}, model.StandardSCORM12},
		{"root version", Signals{HasManifest: true, RootVersion: "2004"}, model.StandardSCORM2004},
		{"unknown schema falls through", Signals{HasManifest: true, SchemaVersion: "weird", Markers: []string{"ADLCP_V1P3"}}, model.StandardSCORM2004},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestClassifyIsDeterministicAndNeverUnknownWithManifest(t *testing.T) {
	markers := [][]string{nil, {"imscp_rootv1p1p2"}, {"adlcp_v1p3"}, {"adlcp_rootv1p2", "imscp_v1p1"}}
	versions := []string{"", "1.2", "2004 4th Edition", "1.3"}
	for _, m := range markers {
		for _, v := range versions {
			s := Signals{HasManifest: true, SchemaVersion: v, Markers: m}
			first := Classify(s)
			assert.Equal(t, first, Classify(s))
			assert.NotEqual(t, model.StandardUnknown, first)
		}
	}
}
