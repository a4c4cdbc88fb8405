package output

import "encoding/json"

// MarshalDestinations and UnmarshalDestinations let the queue and
// scheduler repositories store a Job/Schedule's output_destinations
// column as a single jsonb array without depending on output's
// internal field layout.
func MarshalDestinations(destinations []Destination) ([]byte, error) {
	if destinations == nil {
		return json.Marshal([]Destination{})
	}
	return json.Marshal(destinations)
}

func UnmarshalDestinations(data []byte) ([]Destination, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []Destination
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
