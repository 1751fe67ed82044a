package models

import "time"

// Durations is the derived time split of a shift or the rolled-up totals of a profile.
type Durations struct {
	OnDuty  time.Duration `json:"on_duty"`
	OnBreak time.Duration `json:"on_break"`
}

// Total is on-duty plus on-break time.
func (d Durations) Total() time.Duration {
	return d.OnDuty + d.OnBreak
}

func (d Durations) Add(o Durations) Durations {
	return Durations{OnDuty: d.OnDuty + o.OnDuty, OnBreak: d.OnBreak + o.OnBreak}
}

func (d Durations) Sub(o Durations) Durations {
	return Durations{OnDuty: d.OnDuty - o.OnDuty, OnBreak: d.OnBreak - o.OnBreak}
}

func (d Durations) Neg() Durations {
	return Durations{OnDuty: -d.OnDuty, OnBreak: -d.OnBreak}
}

func (d Durations) IsZero() bool {
	return d.OnDuty == 0 && d.OnBreak == 0
}
