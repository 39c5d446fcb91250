package gbfs

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// ErrRecordSkipped is matched by every *RecordError.
var ErrRecordSkipped = errors.New("record skipped")

// maxSafeInteger is the largest integer a JSON number represents exactly.
const maxSafeInteger = 1 << 53

// StationInformation is a validated station_information record.
type StationInformation struct {
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Capacity  int     `json:"capacity"`
}

// StationStatus is a validated station_status record.
type StationStatus struct {
	StationID         string `json:"station_id"`
	NumBikesAvailable int    `json:"num_bikes_available"`
	NumDocksAvailable int    `json:"num_docks_available"`
	IsInstalled       bool   `json:"is_installed"`
	IsRenting         bool   `json:"is_renting"`
	IsReturning       bool   `json:"is_returning"`
}

// RecordError describes a feed record that failed validation.
type RecordError struct {
	Feed      string
	StationID string
	Field     string
	Msg       string
}

func (e *RecordError) Error() string {
	if e.StationID != "" {
		return fmt.Sprintf("%s record %q: field %s %s", e.Feed, e.StationID, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s record: field %s %s", e.Feed, e.Field, e.Msg)
}

func (e *RecordError) Is(target error) bool {
	return target == ErrRecordSkipped
}

// ParseStationInformation validates a station_information record.
func ParseStationInformation(rec gjson.Result) (StationInformation, error) {
	p := recordParser{feed: FeedStationInformation, rec: rec}
	info := StationInformation{
		StationID: p.id(),
		Name:      p.str("name"),
		Lat:       p.number("lat"),
		Lon:       p.number("lon"),
		Capacity:  p.integer("capacity"),
	}
	if p.err != nil {
		return StationInformation{}, p.err
	}
	return info, nil
}

// ParseStationStatus validates a station_status record.
func ParseStationStatus(rec gjson.Result) (StationStatus, error) {
	p := recordParser{feed: FeedStationStatus, rec: rec}
	status := StationStatus{
		StationID:         p.id(),
		NumBikesAvailable: p.integer("num_bikes_available"),
		NumDocksAvailable: p.integer("num_docks_available"),
		IsInstalled:       p.boolean("is_installed"),
		IsRenting:         p.boolean("is_renting"),
		IsReturning:       p.boolean("is_returning"),
	}
	if p.err != nil {
		return StationStatus{}, p.err
	}
	return status, nil
}

// recordParser keeps the first validation failure; later lookups are no-ops.
type recordParser struct {
	feed      string
	rec       gjson.Result
	stationID string
	err       error
}

func (p *recordParser) fail(field, msg string) {
	if p.err == nil {
		p.err = &RecordError{Feed: p.feed, StationID: p.stationID, Field: field, Msg: msg}
	}
}

func (p *recordParser) field(name string) (gjson.Result, bool) {
	if p.err != nil {
		return gjson.Result{}, false
	}
	if !p.rec.IsObject() {
		p.fail(name, "unavailable: record is not an object")
		return gjson.Result{}, false
	}
	v := p.rec.Get(name)
	if !v.Exists() {
		p.fail(name, "is missing")
		return gjson.Result{}, false
	}
	return v, true
}

func (p *recordParser) id() string {
	p.stationID = p.str("station_id")
	return p.stationID
}

func (p *recordParser) str(name string) string {
	v, ok := p.field(name)
	if !ok {
		return ""
	}
	if v.Type != gjson.String {
		p.fail(name, "is not a string")
		return ""
	}
	return v.Str
}

func (p *recordParser) number(name string) float64 {
	v, ok := p.field(name)
	if !ok {
		return 0
	}
	if v.Type != gjson.Number {
		p.fail(name, "is not a number")
		return 0
	}
	// gjson reads out-of-range literals such as 1e400 as infinity.
	if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
		p.fail(name, "is not a finite number")
		return 0
	}
	return v.Num
}

func (p *recordParser) integer(name string) int {
	v, ok := p.field(name)
	if !ok {
		return 0
	}
	if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) || math.Abs(v.Num) > maxSafeInteger {
		p.fail(name, "is not an integer")
		return 0
	}
	return int(v.Num)
}

func (p *recordParser) boolean(name string) bool {
	v, ok := p.field(name)
	if !ok {
		return false
	}
	if v.Type != gjson.True && v.Type != gjson.False {
		p.fail(name, "is not a boolean")
		return false
	}
	return v.Type == gjson.True
}
