package buffer

import (
	"time"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/mc3e"
	"github.com/plantops/qhist/poll"
)

// Quality marks how much a reading can be trusted.
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityBad       Quality = "BAD"
	QualityUncertain Quality = "UNCERTAIN"
)

// Reading is one tag observation bound for the historian.
type Reading struct {
	Timestamp  time.Time  `json:"timestamp"`
	PLCCode    string     `json:"plcCode"`
	TagAddress string     `json:"tagAddress"`
	Value      mc3e.Value `json:"value"`
	Quality    Quality    `json:"quality"`

	// Persistence metadata carried from the sample so the writer performs
	// no configuration lookups per reading.
	Category    config.Category `json:"-"`
	LogMode     config.LogMode  `json:"-"`
	MachineCode string          `json:"-"`
}

// ExpandSample flattens a sample into one Reading per observed address.
// Quality is BAD exactly when the address appears in the sample's error
// map. Error-only addresses (no value at all) expand to a BAD reading with
// a zero value so the failure is still visible downstream.
func ExpandSample(s *poll.Sample) []Reading {
	readings := make([]Reading, 0, len(s.Values)+len(s.ErrorTags))

	for addr, v := range s.Values {
		q := QualityGood
		if _, bad := s.ErrorTags[addr]; bad {
			q = QualityBad
		}
		readings = append(readings, Reading{
			Timestamp:   s.Timestamp,
			PLCCode:     s.PLCCode,
			TagAddress:  addr,
			Value:       v,
			Quality:     q,
			Category:    s.Category,
			LogMode:     s.TagLogModes[addr],
			MachineCode: s.TagMachineCodes[addr],
		})
	}
	for addr := range s.ErrorTags {
		if _, ok := s.Values[addr]; ok {
			continue
		}
		readings = append(readings, Reading{
			Timestamp:   s.Timestamp,
			PLCCode:     s.PLCCode,
			TagAddress:  addr,
			Quality:     QualityBad,
			Category:    s.Category,
			LogMode:     s.TagLogModes[addr],
			MachineCode: s.TagMachineCodes[addr],
		})
	}
	return readings
}
