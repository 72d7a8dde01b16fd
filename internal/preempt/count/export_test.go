package count

// decAndTestInterrupted is DecAndTest with irq run between the store and
// the re-read, where an interrupt may land on real hardware.
func (s *State) decAndTestInterrupted(irq func(s *State)) bool {
	pc := s.decStore()
	irq(s)
	return s.testAfterDec(pc)
}
