package predict

import (
	"encoding/json"
	"fmt"
	"math"
)

// Model is the abstract interface the Predictor executes on a worker.
// Implementations must be safe for concurrent Predict calls.
type Model interface {
	// Predict returns a probability per room for the given feature
	// vector (scanner UUID -> filtered RSSI, -100 for scanners with no
	// signal). Only rooms the model considers plausible need appear.
	Predict(features map[string]float64) (map[int]float64, error)
}

// JSONModel is a weighted-nearest-centroid classifier: one RSSI
// centroid per room, learned by averaging labelled DeviceSignals.
// Distance to each centroid is converted to a probability via a
// softmax over negative squared distance. The representation is a
// plain JSON-serializable struct rather than a binding to an external
// ML framework, so a trained model is just a repository blob.
type JSONModel struct {
	// ScannerOrder fixes the feature vector's dimension order; it is
	// captured at training time so the trained centroids and any
	// feature vector built later agree on which scanner each value
	// belongs to.
	ScannerOrder []string          `json:"scanner_order"`
	Centroids    map[int][]float64 `json:"centroids"` // room id -> one value per ScannerOrder position
}

// MarshalModel serializes m for storage in PredictionModel.Blob.
func MarshalModel(m *JSONModel) ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalModel deserializes a PredictionModel.Blob into a JSONModel.
func UnmarshalModel(blob []byte) (*JSONModel, error) {
	var m JSONModel
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("predict: unmarshal model: %w", err)
	}
	return &m, nil
}

// Predict implements Model. It builds a feature vector in
// ScannerOrder from features (defaulting missing scanners to -100),
// computes squared Euclidean distance to every room's centroid, and
// converts distances to a probability distribution via softmax over
// negative distance. Only the most probable room is returned, per the
// OccupancySensor's single-room-per-device assumption.
func (m *JSONModel) Predict(features map[string]float64) (map[int]float64, error) {
	if len(m.Centroids) == 0 {
		return nil, fmt.Errorf("predict: model has no trained rooms")
	}

	vec := make([]float64, len(m.ScannerOrder))
	for i, scanner := range m.ScannerOrder {
		v, ok := features[scanner]
		if !ok {
			v = -100
		}
		vec[i] = v
	}

	type scored struct {
		room int
		dist float64
	}
	scores := make([]scored, 0, len(m.Centroids))
	for room, centroid := range m.Centroids {
		scores = append(scores, scored{room: room, dist: squaredDistance(vec, centroid)})
	}

	// Softmax over negative distance (smaller distance -> higher
	// probability). Distances are shifted by the minimum for
	// numerical stability.
	minDist := scores[0].dist
	for _, s := range scores[1:] {
		if s.dist < minDist {
			minDist = s.dist
		}
	}

	var sum float64
	weights := make([]float64, len(scores))
	for i, s := range scores {
		weights[i] = math.Exp(-(s.dist - minDist) / 100)
		sum += weights[i]
	}

	bestRoom := scores[0].room
	bestProba := weights[0] / sum
	for i, s := range scores {
		p := weights[i] / sum
		if p > bestProba {
			bestProba = p
			bestRoom = s.room
		}
	}

	return map[int]float64{bestRoom: bestProba}, nil
}

func squaredDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
