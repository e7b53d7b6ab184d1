package spatial

import (
	"encoding/json"
	"fmt"
)

type poseJSON struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // w, x, y, z
}

// MarshalJSON encodes the pose as {"position":[x,y,z],"rotation":[w,x,y,z]}.
func (p Pose) MarshalJSON() ([]byte, error) {
	w, x, y, z := p.Quaternion()
	return json.Marshal(poseJSON{
		Position: [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
		Rotation: [4]float64{w, x, y, z},
	})
}

// UnmarshalJSON decodes the MarshalJSON form. The rotation is normalised.
func (p *Pose) UnmarshalJSON(data []byte) error {
	var v poseJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode pose: %w", err)
	}
	*p = NewPose(v.Position[0], v.Position[1], v.Position[2],
		v.Rotation[0], v.Rotation[1], v.Rotation[2], v.Rotation[3])
	return nil
}
