package graphstream

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/spatial"
)

var ErrBadMessage = errors.New("malformed anchor graph message")

// EncodeSnapshot converts a snapshot into its wire Struct. The timestamp
// travels as a decimal string because nanoseconds overflow a double's
// integer range.
func EncodeSnapshot(snap *anchor.Snapshot) (*structpb.Struct, error) {
	anchors := make([]interface{}, 0, len(snap.Anchors))
	for _, a := range snap.Anchors {
		w, x, y, z := a.Pose.Quaternion()
		p := a.Pose.Position
		anchors = append(anchors, map[string]interface{}{
			"id":       int64(a.ID),
			"located":  a.Located,
			"position": []interface{}{p.X, p.Y, p.Z},
			"rotation": []interface{}{w, x, y, z},
		})
	}

	edges := make([]interface{}, 0, len(snap.Edges))
	for _, e := range snap.Edges {
		edges = append(edges, []interface{}{int64(e.A), int64(e.B)})
	}

	fragments := make([]interface{}, 0, len(snap.Fragments))
	for _, frag := range snap.Fragments {
		ids := make([]interface{}, 0, len(frag))
		for _, id := range frag {
			ids = append(ids, int64(id))
		}
		fragments = append(fragments, ids)
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		"frame":                snap.Frame,
		"timestamp_unix_nanos": strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
		"state":                snap.State.String(),
		"most_significant":     int64(snap.MostSignificant),
		"anchors":              anchors,
		"edges":                edges,
		"fragments":            fragments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", snap.Frame, err)
	}
	return s, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Fields the wire form
// does not carry (head pose, saved and frozen flags) are left zero.
func DecodeSnapshot(s *structpb.Struct) (*anchor.Snapshot, error) {
	m := s.AsMap()
	snap := &anchor.Snapshot{}

	frame, err := number(m, "frame")
	if err != nil {
		return nil, err
	}
	snap.Frame = uint64(frame)

	ts, _ := m["timestamp_unix_nanos"].(string)
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp_unix_nanos: %v", ErrBadMessage, err)
	}
	snap.Timestamp = time.Unix(0, nanos).UTC()

	name, _ := m["state"].(string)
	if snap.State, err = anchor.ParseState(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	ms, err := number(m, "most_significant")
	if err != nil {
		return nil, err
	}
	snap.MostSignificant = anchor.AnchorID(ms)

	for i, raw := range list(m, "anchors") {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: anchors[%d] is not an object", ErrBadMessage, i)
		}
		a, err := decodeAnchor(obj)
		if err != nil {
			return nil, fmt.Errorf("anchors[%d]: %w", i, err)
		}
		snap.Anchors = append(snap.Anchors, a)
	}

	for i, raw := range list(m, "edges") {
		pair, err := floats(raw, 2)
		if err != nil {
			return nil, fmt.Errorf("edges[%d]: %w", i, err)
		}
		snap.Edges = append(snap.Edges, anchor.NewEdge(anchor.AnchorID(pair[0]), anchor.AnchorID(pair[1])))
	}

	for i, raw := range list(m, "fragments") {
		ids, err := floats(raw, -1)
		if err != nil {
			return nil, fmt.Errorf("fragments[%d]: %w", i, err)
		}
		frag := make([]anchor.AnchorID, len(ids))
		for j, id := range ids {
			frag[j] = anchor.AnchorID(id)
		}
		snap.Fragments = append(snap.Fragments, frag)
	}
	return snap, nil
}

func decodeAnchor(obj map[string]interface{}) (anchor.AnchorState, error) {
	id, err := number(obj, "id")
	if err != nil {
		return anchor.AnchorState{}, err
	}
	pos, err := floats(obj["position"], 3)
	if err != nil {
		return anchor.AnchorState{}, err
	}
	rot, err := floats(obj["rotation"], 4)
	if err != nil {
		return anchor.AnchorState{}, err
	}
	located, _ := obj["located"].(bool)
	return anchor.AnchorState{
		ID:      anchor.AnchorID(id),
		Pose:    spatial.NewPose(pos[0], pos[1], pos[2], rot[0], rot[1], rot[2], rot[3]),
		Located: located,
	}, nil
}

func number(m map[string]interface{}, key string) (float64, error) {
	v, ok := m[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a number", ErrBadMessage, key)
	}
	return v, nil
}

func list(m map[string]interface{}, key string) []interface{} {
	l, _ := m[key].([]interface{})
	return l
}

// floats reads a list of numbers; n < 0 accepts any length.
func floats(raw interface{}, n int) ([]float64, error) {
	l, ok := raw.([]interface{})
	if !ok || (n >= 0 && len(l) != n) {
		return nil, fmt.Errorf("%w: want a list of %d numbers", ErrBadMessage, n)
	}
	out := make([]float64, len(l))
	for i, v := range l {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not a number", ErrBadMessage, i)
		}
		out[i] = f
	}
	return out, nil
}
