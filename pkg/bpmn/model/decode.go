package model

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a definition written in YAML. Unknown fields are rejected.
func ParseYAML(data []byte) (ProcessDefinition, error) {
	var def ProcessDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("failed to decode yaml process definition: %w", err)
	}
	return def, nil
}

// ParseJSON decodes a definition written in JSON. Unknown fields are rejected.
func ParseJSON(data []byte) (ProcessDefinition, error) {
	var def ProcessDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("failed to decode json process definition: %w", err)
	}
	return def, nil
}

// ComputeChecksum hashes the graph of def, engine assigned fields are excluded.
func ComputeChecksum(def ProcessDefinition) string {
	data, _ := json.Marshal(struct {
		Id          string
		Name        string
		Activities  []Activity
		Transitions []Transition
	}{def.Id, def.Name, def.Activities, def.Transitions})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
