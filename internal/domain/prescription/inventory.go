package prescription

import (
	"sort"
	"time"
)

// InventoryRow is one medication in the active inventory view.
type InventoryRow struct {
	MedicationID  string `json:"medicationId"`
	Name          string `json:"name"`
	Dosage        string `json:"dosage"`
	Usage         string `json:"usage"`
	RemainingDays int    `json:"remainingDays"`
}

// ActiveInventory projects the currently active medications from the full
// prescription history as of today. Every medication is flattened in history
// order, exhausted supplies (remaining <= 0) are dropped, and rows sort
// ascending by remaining days so the medication running out soonest comes
// first. Ties keep the original flatten order.
//
// The projection is pure and recomputed from scratch on every call so a
// fresh today is always honored.
func ActiveInventory(history []*Prescription, today time.Time) []InventoryRow {
	rows := make([]InventoryRow, 0)
	for _, p := range history {
		date, err := ParseDate(p.PrescriptionDate)
		if err != nil {
			// Committed prescriptions always carry a validated date.
			continue
		}
		for _, med := range p.Medications {
			remaining := RemainingDays(date, med.Days, today)
			if remaining <= 0 {
				continue
			}
			rows = append(rows, InventoryRow{
				MedicationID:  med.ID,
				Name:          med.Name,
				Dosage:        med.Dosage,
				Usage:         med.Usage,
				RemainingDays: remaining,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].RemainingDays < rows[j].RemainingDays
	})
	return rows
}

// SortByDateDesc orders prescriptions most recent date first, ties keeping
// their relative order. Used by the history view.
func SortByDateDesc(history []*Prescription) []*Prescription {
	out := make([]*Prescription, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PrescriptionDate > out[j].PrescriptionDate
	})
	return out
}
