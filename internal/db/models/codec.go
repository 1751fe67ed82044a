package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EncodeBreaks renders breaks in the persisted [[start_ms, end_ms|null], ...] layout.
func EncodeBreaks(breaks []Break) ([]byte, error) {
	rows := make([][2]*int64, len(breaks))
	for i, b := range breaks {
		start := b.Start.UnixMilli()
		rows[i][0] = &start
		if b.End != nil {
			end := b.End.UnixMilli()
			rows[i][1] = &end
		}
	}
	return json.Marshal(rows)
}

// DecodeBreaks parses the layout written by EncodeBreaks.
func DecodeBreaks(data []byte) ([]Break, error) {
	breaks := []Break{}
	if len(data) == 0 {
		return breaks, nil
	}
	var rows [][2]*int64
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error decoding breaks: %w", err)
	}
	for i, r := range rows {
		if r[0] == nil {
			return nil, fmt.Errorf("error decoding breaks: interval %d has no start", i)
		}
		b := Break{Start: time.UnixMilli(*r[0]).UTC()}
		if r[1] != nil {
			end := time.UnixMilli(*r[1]).UTC()
			b.End = &end
		}
		breaks = append(breaks, b)
	}
	return breaks, nil
}

func EncodeEvents(events map[string]int64) ([]byte, error) {
	if events == nil {
		events = map[string]int64{}
	}
	return json.Marshal(events)
}

func DecodeEvents(data []byte) (map[string]int64, error) {
	events := map[string]int64{}
	if len(data) == 0 {
		return events, nil
	}
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("error decoding events: %w", err)
	}
	return events, nil
}
