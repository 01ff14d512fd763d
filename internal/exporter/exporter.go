package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/segmentio/encoding/json"
)

// Reader is the store surface the exporters need.
type Reader interface {
	RecentObservations(ctx context.Context, buildingID int64, limit int) ([]occupancy.Observation, error)
}

type BuildingExport struct {
	BuildingID   int64                   `json:"buildingId"`
	Observations []occupancy.Observation `json:"observations"`
}

// Export dispatches on format ("json" or "csv").
func Export(ctx context.Context, r Reader, format string, buildingID int64, limit int) ([]byte, string, error) {
	switch format {
	case "json", "":
		return ExportObservationsJSON(ctx, r, buildingID, limit)
	case "csv":
		return ExportObservationsCSV(ctx, r, buildingID, limit)
	default:
		return nil, "", fmt.Errorf("unknown export format %q", format)
	}
}

func ExportObservationsJSON(ctx context.Context, r Reader, buildingID int64, limit int) ([]byte, string, error) {
	obs, err := r.RecentObservations(ctx, buildingID, limit)
	if err != nil {
		return nil, "", err
	}
	if obs == nil {
		obs = []occupancy.Observation{}
	}
	b, err := json.MarshalIndent(BuildingExport{BuildingID: buildingID, Observations: obs}, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return append(b, '\n'), "application/json", nil
}

// ExportObservationsCSV writes one row per observation, newest first. x and y
// are the zone's grid coordinates, blank when the zone is not "x-y".
func ExportObservationsCSV(ctx context.Context, r Reader, buildingID int64, limit int) ([]byte, string, error) {
	obs, err := r.RecentObservations(ctx, buildingID, limit)
	if err != nil {
		return nil, "", err
	}
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"id", "building_id", "zone", "x", "y", "count", "timestamp"})
	for _, o := range obs {
		x, y := "", ""
		if px, py, err := occupancy.ParseZone(o.Zone); err == nil {
			x, y = strconv.Itoa(px), strconv.Itoa(py)
		}
		_ = w.Write([]string{
			strconv.FormatInt(o.ID, 10),
			strconv.FormatInt(o.BuildingID, 10),
			o.Zone, x, y,
			strconv.Itoa(o.Count),
			o.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}
