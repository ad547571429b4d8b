package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]scheduleDef(nil), s.defs...)
	c, loc, eng := s.c, s.loc, s.engine
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: c != nil, Timezone: s.cfg.Timezone}
	s.mu.Unlock()

	if snap.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	snap.Schedules = make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec.String(), Timeout: d.timeout, Running: d.state.Running()}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
