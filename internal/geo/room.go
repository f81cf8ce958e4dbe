// Package geo maps coordinates onto chat rooms. A room is a 0.1 degree grid
// cell; two points share a room exactly when they floor to the same cell.
package geo

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/saurav-co-de/chart/internal/chaterr"
)

// RoomID identifies one grid cell, e.g. room_37.7_-122.4.
type RoomID string

const (
	roomPrefix = "room_"
	gridScale  = 10
)

// cellPattern is the only accepted spelling of a cell coordinate. It keeps
// ParseFloat from accepting underscores, exponents, hex or Inf.
var cellPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Location is a validated latitude/longitude pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ValidateCoordinate rejects latitudes outside [-90, 90] and longitudes
// outside [-180, 180].
func ValidateCoordinate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return fmt.Errorf("%w: not a number", chaterr.ErrInvalidCoordinate)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", chaterr.ErrInvalidCoordinate, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", chaterr.ErrInvalidCoordinate, lng)
	}
	return nil
}

// Resolve returns the room for a coordinate pair. Points a few meters apart
// on either side of a cell boundary land in different rooms; no smoothing is
// applied.
func Resolve(lat, lng float64) (RoomID, error) {
	if err := ValidateCoordinate(lat, lng); err != nil {
		return "", err
	}
	return RoomID(roomPrefix + formatCell(snap(lat)) + "_" + formatCell(snap(lng))), nil
}

// MustResolve is Resolve for coordinates already validated by the caller.
func MustResolve(loc Location) RoomID {
	room, err := Resolve(loc.Latitude, loc.Longitude)
	if err != nil {
		panic(err)
	}
	return room
}

// ParseRoomID checks that s names a grid cell and returns it in the form
// Resolve produces, so room_10.0_-5.0 and room_10_-5 are the same room.
func ParseRoomID(s string) (RoomID, error) {
	rest, ok := strings.CutPrefix(s, roomPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", chaterr.ErrInvalidRoom, s)
	}
	latPart, lngPart, ok := strings.Cut(rest, "_")
	if !ok {
		return "", fmt.Errorf("%w: %q", chaterr.ErrInvalidRoom, s)
	}
	lat, err := parseCell(latPart)
	if err != nil {
		return "", fmt.Errorf("%w: %q", chaterr.ErrInvalidRoom, s)
	}
	lng, err := parseCell(lngPart)
	if err != nil {
		return "", fmt.Errorf("%w: %q", chaterr.ErrInvalidRoom, s)
	}
	if ValidateCoordinate(lat, lng) != nil {
		return "", fmt.Errorf("%w: %q", chaterr.ErrInvalidRoom, s)
	}
	return RoomID(roomPrefix + formatCell(lat) + "_" + formatCell(lng)), nil
}

func snap(v float64) float64 {
	return math.Floor(v*gridScale) / gridScale
}

func formatCell(v float64) string {
	if v == 0 {
		// -0 and 0 must render identically
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseCell(s string) (float64, error) {
	if !cellPattern.MatchString(s) {
		return 0, fmt.Errorf("cell %q is not a decimal number", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	scaled := v * gridScale
	if math.Abs(scaled-math.Round(scaled)) > 1e-6 {
		return 0, fmt.Errorf("cell %q is off grid", s)
	}
	return math.Round(scaled) / gridScale, nil
}
