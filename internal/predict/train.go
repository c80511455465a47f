package predict

import (
	"context"
	"fmt"
	"sort"

	"github.com/presence-solutions/roomd/internal/model"
	"github.com/presence-solutions/roomd/internal/repository"
)

// Train builds a fresh PredictionModel for deviceID from every
// DeviceSignal recorded for it: one centroid per room, computed as
// the mean RSSI per scanner across that room's signals. Accuracy is
// estimated by re-classifying every training sample against the
// resulting centroids (a resubstitution estimate, not held-out —
// acceptable given these are small, frequently-retrained per-device
// models rather than a single shared classifier).
func Train(ctx context.Context, repo repository.Repository, deviceID int) (model.PredictionModel, error) {
	signals, err := repo.ListSignals(ctx, repository.SignalFilter{DeviceID: deviceID})
	if err != nil {
		return model.PredictionModel{}, fmt.Errorf("predict: list signals: %w", err)
	}
	if len(signals) == 0 {
		return model.PredictionModel{}, fmt.Errorf("predict: no signals recorded for device %d", deviceID)
	}

	scanners, err := repo.ListScanners(ctx)
	if err != nil {
		return model.PredictionModel{}, fmt.Errorf("predict: list scanners: %w", err)
	}
	rooms, err := repo.ListRooms(ctx)
	if err != nil {
		return model.PredictionModel{}, fmt.Errorf("predict: list rooms: %w", err)
	}

	scannerOrder := make([]string, len(scanners))
	scannerIndex := make(map[int]int, len(scanners)) // scanner id -> position in scannerOrder
	roomIDs := make([]int, len(rooms))
	scannerIDs := make([]int, len(scanners))
	for i, sc := range scanners {
		scannerOrder[i] = sc.UUID
		scannerIndex[sc.ID] = i
		scannerIDs[i] = sc.ID
	}
	for i, r := range rooms {
		roomIDs[i] = r.ID
	}

	sums := make(map[int][]float64)   // room id -> running sum per scanner position
	counts := make(map[int][]int)     // room id -> sample count per scanner position
	for _, sig := range signals {
		pos, ok := scannerIndex[sig.ScannerID]
		if !ok {
			continue
		}
		if _, ok := sums[sig.RoomID]; !ok {
			sums[sig.RoomID] = make([]float64, len(scannerOrder))
			counts[sig.RoomID] = make([]int, len(scannerOrder))
			for i := range sums[sig.RoomID] {
				sums[sig.RoomID][i] = 0
			}
		}
		sums[sig.RoomID][pos] += sig.RSSI
		counts[sig.RoomID][pos]++
	}

	centroids := make(map[int][]float64, len(sums))
	for roomID, sum := range sums {
		centroid := make([]float64, len(scannerOrder))
		for i := range centroid {
			if counts[roomID][i] > 0 {
				centroid[i] = sum[i] / float64(counts[roomID][i])
			} else {
				centroid[i] = -100
			}
		}
		centroids[roomID] = centroid
	}

	if len(centroids) == 0 {
		return model.PredictionModel{}, fmt.Errorf("predict: no room-labelled signals for device %d", deviceID)
	}

	jm := &JSONModel{ScannerOrder: scannerOrder, Centroids: centroids}

	correct := 0
	byRoomByScanner := groupSignalsByRoomAndScanner(signals, scannerIndex, scannerOrder)
	for roomID, vectors := range byRoomByScanner {
		for _, vec := range vectors {
			features := make(map[string]float64, len(scannerOrder))
			for i, uuid := range scannerOrder {
				features[uuid] = vec[i]
			}
			pred, err := jm.Predict(features)
			if err != nil {
				continue
			}
			for predictedRoom := range pred {
				if predictedRoom == roomID {
					correct++
				}
			}
		}
	}
	total := 0
	for _, vectors := range byRoomByScanner {
		total += len(vectors)
	}
	accuracy := 0.0
	if total > 0 {
		accuracy = float64(correct) / float64(total)
	}

	blob, err := MarshalModel(jm)
	if err != nil {
		return model.PredictionModel{}, err
	}

	sort.Ints(roomIDs)
	sort.Ints(scannerIDs)

	return model.PredictionModel{
		Accuracy:   accuracy,
		InputsHash: model.InputsHash(roomIDs, scannerIDs),
		Blob:       blob,
		DeviceIDs:  []int{deviceID},
	}, nil
}

// groupSignalsByRoomAndScanner builds one dense feature vector per
// DeviceSignal, filed under the signal's room, by filling in the most
// recent known value per scanner (-100 until a scanner is seen). The
// last-known values carry over from one signal to the next in the
// order the repository returns them, across rooms as well.
func groupSignalsByRoomAndScanner(signals []model.DeviceSignal, scannerIndex map[int]int, scannerOrder []string) map[int][][]float64 {
	out := make(map[int][][]float64)
	last := make([]float64, len(scannerOrder))
	for i := range last {
		last[i] = -100
	}

	for _, sig := range signals {
		pos, ok := scannerIndex[sig.ScannerID]
		if !ok {
			continue
		}
		last[pos] = sig.RSSI
		vec := make([]float64, len(last))
		copy(vec, last)
		out[sig.RoomID] = append(out[sig.RoomID], vec)
	}
	return out
}
