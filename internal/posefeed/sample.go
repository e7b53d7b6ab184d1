// Package posefeed turns head-tracker output into pose samples. A tracker
// emits one sample per line over a serial port, in UDP datagrams, or in a
// packet capture of such datagrams; a synthetic walk stands in when no
// tracker is attached.
//
// Two line formats are accepted:
//
//	1717243200000000000,0.1,1.6,-0.3,1,0,0,0,1
//	{"t":1717243200000000000,"pos":[0.1,1.6,-0.3],"rot":[1,0,0,0],"tracking":true}
//
// Fields are the sample time in unix nanoseconds, the position in metres,
// the orientation quaternion as (w, x, y, z) and the tracking flag.
package posefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/worldlock/internal/spatial"
)

var ErrMalformed = errors.New("malformed pose sample")

const csvFields = 9

// Sample is a single head pose reported by the tracker.
type Sample struct {
	Time     time.Time
	Pose     spatial.Pose
	Tracking bool
}

type jsonSample struct {
	T        int64     `json:"t"`
	Pos      []float64 `json:"pos"`
	Rot      []float64 `json:"rot"`
	Tracking *bool     `json:"tracking"`
}

// ParseLine decodes one line in either wire format. Leading and trailing
// whitespace is ignored.
func ParseLine(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Sample{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var (
		s   Sample
		err error
	)
	if strings.HasPrefix(line, "{") {
		s, err = parseJSON(line)
	} else {
		s, err = parseCSV(line)
	}
	if err != nil {
		return Sample{}, err
	}
	return s, nil
}

// newPose checks the raw components before normalisation, which would
// otherwise turn a NaN or zero quaternion into identity.
func newPose(v [7]float64) (spatial.Pose, error) {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return spatial.Pose{}, fmt.Errorf("%w: non-finite pose", ErrMalformed)
		}
	}
	if v[3] == 0 && v[4] == 0 && v[5] == 0 && v[6] == 0 {
		return spatial.Pose{}, fmt.Errorf("%w: zero rotation", ErrMalformed)
	}
	return spatial.NewPose(v[0], v[1], v[2], v[3], v[4], v[5], v[6]), nil
}

func parseCSV(line string) (Sample, error) {
	fields := strings.Split(line, ",")
	if len(fields) != csvFields {
		return Sample{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformed, csvFields, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	nanos, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	var v [7]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
		}
	}
	tracking, err := strconv.ParseBool(fields[8])
	if err != nil {
		return Sample{}, fmt.Errorf("%w: tracking flag: %v", ErrMalformed, err)
	}
	pose, err := newPose(v)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Time:     time.Unix(0, nanos).UTC(),
		Pose:     pose,
		Tracking: tracking,
	}, nil
}

func parseJSON(line string) (Sample, error) {
	var js jsonSample
	if err := json.Unmarshal([]byte(line), &js); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(js.Pos) != 3 {
		return Sample{}, fmt.Errorf("%w: pos needs 3 values, got %d", ErrMalformed, len(js.Pos))
	}
	if len(js.Rot) != 4 {
		return Sample{}, fmt.Errorf("%w: rot needs 4 values, got %d", ErrMalformed, len(js.Rot))
	}
	pose, err := newPose([7]float64{js.Pos[0], js.Pos[1], js.Pos[2], js.Rot[0], js.Rot[1], js.Rot[2], js.Rot[3]})
	if err != nil {
		return Sample{}, err
	}
	// Trackers that only report while tracking omit the flag.
	tracking := true
	if js.Tracking != nil {
		tracking = *js.Tracking
	}
	return Sample{
		Time:     time.Unix(0, js.T).UTC(),
		Pose:     pose,
		Tracking: tracking,
	}, nil
}

// FormatCSV renders s in the CSV wire format.
func FormatCSV(s Sample) string {
	w, x, y, z := s.Pose.Quaternion()
	p := s.Pose.Position
	return fmt.Sprintf("%d,%g,%g,%g,%g,%g,%g,%g,%t",
		s.Time.UnixNano(), p.X, p.Y, p.Z, w, x, y, z, s.Tracking)
}
