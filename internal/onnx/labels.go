package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadLabels reads a label map. Accepted shapes:
//
//	["tench", "goldfish", ...]
//	{"0": "tench", "1": "goldfish"}
//	{"0": ["n01440764", "tench"], ...}          (Keras ImageNet index)
//	{"id2label": {"0": "NEGATIVE", ...}, ...}   (Hugging Face config.json)
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}

	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &cfg); err == nil && len(cfg.ID2Label) > 0 {
		return labelsFromIDMap(cfg.ID2Label)
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err == nil && len(flat) > 0 {
		return labelsFromIDMap(flat)
	}

	var keras map[string][]string
	if err := json.Unmarshal(data, &keras); err == nil && len(keras) > 0 {
		m := make(map[string]string, len(keras))
		for k, v := range keras {
			if len(v) == 0 {
				continue
			}
			m[k] = v[len(v)-1]
		}
		return labelsFromIDMap(m)
	}
	return nil, fmt.Errorf("unrecognized label map in %s", filepath.Base(path))
}

// FindLabels returns the first label file present in dir.
func FindLabels(dir string) ([]string, error) {
	for _, name := range []string{"label_map.json", "labels.json", "imagenet_class_index.json", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		labels, err := LoadLabels(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		return labels, nil
	}
	return nil, fmt.Errorf("no label map in %s", dir)
}

func labelsFromIDMap(id2label map[string]string) ([]string, error) {
	maxID := -1
	ids := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", k, err)
		}
		if id < 0 {
			return nil, fmt.Errorf("label index %d out of range", id)
		}
		ids[id] = v
		if id > maxID {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil, fmt.Errorf("label map is empty")
	}
	labels := make([]string, maxID+1)
	for id, v := range ids {
		labels[id] = v
	}
	return labels, nil
}

// Softmax converts logits to probabilities with the max-shift trick.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LooksLikeProbabilities reports whether v already sums to ~1 with every
// entry in [0, 1], which is how Keras exports with a softmax head behave.
func LooksLikeProbabilities(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	sum := 0.0
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
		sum += float64(x)
	}
	return math.Abs(sum-1) < 1e-3
}
