// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProcessReport aggregates one process's instances within a graph.
type ProcessReport struct {
	ID        ProcessID
	Name      string
	Instances int

	// EstimatedTime is the descriptor's current per-instance estimate
	// with its confidence score.
	EstimatedTime  time.Duration
	TimeConfidence float64

	// MeasuredTime is the mean measured execution time across the
	// process's instances that have run at least once.
	MeasuredTime time.Duration
	Samples      int

	// OutputBytes is the total declared output size across instances.
	OutputBytes uint64
}

// DeviceReport summarizes one device's compiled workload.
type DeviceReport struct {
	Index     int
	Name      string
	Instances int

	// CommittedBytes and AliasedBytes come from the device's transient
	// allocator; AliasedBytes counts memory saved by lifetime sharing.
	CommittedBytes uint64
	AliasedBytes   uint64

	Batches   int
	Oversized int
}

// Report is a point-in-time snapshot of a graph's processes, devices,
// and cache hierarchy.
type Report struct {
	Processes []ProcessReport
	Devices   []DeviceReport
	Transfers int
	CacheText string
}

// GenerateReport builds a report over the graph's live instances. A
// non-empty tag restricts the process aggregation to instances carrying
// that tag. Device allocation figures are present only after a
// successful compile.
func (g *Graph) GenerateReport(tag string) *Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	byProc := make(map[ProcessID]*ProcessReport)
	transfers := 0
	perDevice := make([]int, len(g.devices))

	for _, inst := range g.live() {
		if inst.IsTransfer() {
			transfers++
		}
		if inst.deviceIndex >= 0 && inst.deviceIndex < len(perDevice) {
			perDevice[inst.deviceIndex]++
		}
		if tag != "" && !inst.HasTag(tag) {
			continue
		}

		pr, ok := byProc[inst.desc.ID]
		if !ok {
			pr = &ProcessReport{
				ID:             inst.desc.ID,
				Name:           inst.desc.Name,
				EstimatedTime:  inst.desc.Cost.Time,
				TimeConfidence: inst.desc.Cost.TimeConfidence,
			}
			byProc[inst.desc.ID] = pr
		}
		pr.Instances++
		if n := inst.perf.count(); n > 0 {
			pr.MeasuredTime += inst.perf.mean()
			pr.Samples += n
		}
		for _, res := range inst.outputs {
			pr.OutputBytes += res.Bytes
		}
	}

	rep := &Report{Transfers: transfers, CacheText: g.caches.Report()}
	for _, pr := range byProc {
		// MeasuredTime accumulated per-instance means; average them.
		if pr.Samples > 0 {
			ran := 0
			for _, inst := range g.live() {
				if inst.desc.ID == pr.ID && inst.perf.count() > 0 {
					ran++
				}
			}
			if ran > 0 {
				pr.MeasuredTime /= time.Duration(ran)
			}
		}
		rep.Processes = append(rep.Processes, *pr)
	}
	sort.Slice(rep.Processes, func(i, j int) bool {
		return rep.Processes[i].ID < rep.Processes[j].ID
	})

	for d, dev := range g.devices {
		dr := DeviceReport{
			Index:     d,
			Name:      dev.Capabilities().Name,
			Instances: perDevice[d],
		}
		if g.comp != nil && d < len(g.comp.allocators) && g.comp.allocators[d] != nil {
			dr.CommittedBytes = g.comp.allocators[d].CommittedBytes()
			dr.AliasedBytes = g.comp.allocators[d].AliasedBytes()
		}
		if g.comp != nil && d < len(g.comp.batches) {
			dr.Batches = len(g.comp.batches[d])
			for _, b := range g.comp.batches[d] {
				if b.Oversized {
					dr.Oversized++
				}
			}
		}
		rep.Devices = append(rep.Devices, dr)
	}

	return rep
}

// String renders the report for logs and tools.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("render graph report\n")

	for _, p := range r.Processes {
		fmt.Fprintf(&b, "  process %-24s instances=%d est=%v (conf %.2f)",
			p.ID, p.Instances, p.EstimatedTime, p.TimeConfidence)
		if p.Samples > 0 {
			fmt.Fprintf(&b, " measured=%v samples=%d", p.MeasuredTime, p.Samples)
		}
		fmt.Fprintf(&b, " out=%dB\n", p.OutputBytes)
	}
	for _, d := range r.Devices {
		fmt.Fprintf(&b, "  device %d (%s): instances=%d committed=%dB aliased=%dB batches=%d",
			d.Index, d.Name, d.Instances, d.CommittedBytes, d.AliasedBytes, d.Batches)
		if d.Oversized > 0 {
			fmt.Fprintf(&b, " oversized=%d", d.Oversized)
		}
		b.WriteByte('\n')
	}
	if r.Transfers > 0 {
		fmt.Fprintf(&b, "  transfers: %d\n", r.Transfers)
	}
	b.WriteString(r.CacheText)
	return b.String()
}
