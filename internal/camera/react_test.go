package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"viewguard/internal/violation"
)

type recorder struct {
	codes []violation.Code
}

func (r *recorder) RegisterViolation(code violation.Code, _ violation.Context) (violation.Event, error) {
	r.codes = append(r.codes, code)
	return violation.New(code, time.Now()), nil
}

func TestReact(t *testing.T) {
	tests := []struct {
		name       string
		insight    Insight
		want       []violation.Code
		obstructed bool
	}{
		{"clear", Insight{PersonsDetected: 1, ObstructionScore: 0.1}, nil, false},
		{"at limit", Insight{PersonsDetected: 1, ObstructionScore: 0.4}, nil, false},
		{"covered", Insight{PersonsDetected: 1, ObstructionScore: 0.5}, []violation.Code{violation.CameraObstructed}, true},
		{"absent", Insight{PersonsDetected: 0}, []violation.Code{violation.CameraAbsent}, false},
		{"device", Insight{PersonsDetected: 2, ExternalDeviceDetected: true}, []violation.Code{violation.ExternalCameraDetected}, false},
		{
			"everything",
			Insight{ExternalDeviceDetected: true, ObstructionScore: 0.9},
			[]violation.Code{violation.ExternalCameraDetected, violation.CameraObstructed, violation.CameraAbsent},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			got := React(tt.insight, r)
			assert.Equal(t, tt.obstructed, got)
			assert.Equal(t, tt.want, r.codes)
		})
	}
}
