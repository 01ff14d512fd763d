package occupancy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// TypeOccupancyUpdate is the only envelope type currently in use.
const TypeOccupancyUpdate = "occupancy_update"

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
	ErrInvalid     = errors.New("invalid envelope")
)

// Observation is one stored occupancy reading. Timestamp is assigned by the
// store, never by the client.
type Observation struct {
	ID         int64     `json:"id"`
	BuildingID int64     `json:"buildingId"`
	Zone       string    `json:"zone"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Envelope is the JSON message exchanged over live connections in both
// directions.
type Envelope struct {
	Type       string `json:"type"`
	BuildingID int64  `json:"buildingId"`
	Zone       string `json:"zone"`
	Count      int    `json:"count"`
}

func NewUpdate(buildingID int64, zone string, count int) Envelope {
	return Envelope{Type: TypeOccupancyUpdate, BuildingID: buildingID, Zone: zone, Count: count}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a raw frame. Frames with a type other
// than occupancy_update return ErrUnknownType so callers can ignore them.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type != TypeOccupancyUpdate {
		return e, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

func (e Envelope) Validate() error {
	if e.BuildingID <= 0 {
		return fmt.Errorf("%w: buildingId %d", ErrInvalid, e.BuildingID)
	}
	if e.Count < 0 {
		return fmt.Errorf("%w: negative count %d", ErrInvalid, e.Count)
	}
	// Stored in a 32-bit integer column on every backend.
	if e.Count > math.MaxInt32 {
		return fmt.Errorf("%w: count %d out of range", ErrInvalid, e.Count)
	}
	if _, _, err := ParseZone(e.Zone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ParseZone splits a "<x>-<y>" zone id into its grid coordinates.
// Either coordinate may carry a leading minus sign.
func ParseZone(zone string) (x, y int, err error) {
	if zone == "" {
		return 0, 0, errors.New("empty zone")
	}
	// Skip the first byte so a negative x does not split on its own sign.
	i := strings.IndexByte(zone[1:], '-')
	if i < 0 {
		return 0, 0, fmt.Errorf("zone %q: want <x>-<y>", zone)
	}
	i++
	x, err = strconv.Atoi(zone[:i])
	if err != nil {
		return 0, 0, fmt.Errorf("zone %q: bad x: %w", zone, err)
	}
	y, err = strconv.Atoi(zone[i+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("zone %q: bad y: %w", zone, err)
	}
	return x, y, nil
}
