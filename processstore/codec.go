package processstore

import (
	"encoding/json"

	"github.com/dpp-connector/engine/model"
)

func encodeProcess(p *model.Process) ([]byte, error) {
	return json.Marshal(p)
}

func decodeProcess(data []byte) (*model.Process, error) {
	var p model.Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
