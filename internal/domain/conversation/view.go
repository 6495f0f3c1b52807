package conversation

// VisibleMessages filters an ordered snapshot down to the pairwise exchange
// between viewer and counterpart. It is stateless and re-derivable from any
// snapshot; the input order (timestamp, id) is preserved.
//
// The doctor multiplexes two pairwise conversations through the shared log
// and selects counterpart per tab; patient and lab always face the doctor.
func VisibleMessages(log []Message, viewer, counterpart Role) []Message {
	out := make([]Message, 0, len(log))
	for _, m := range log {
		if (m.From == viewer && m.To == counterpart) ||
			(m.From == counterpart && m.To == viewer) {
			out = append(out, m)
		}
	}
	return out
}

// CounterpartFor returns the fixed counterpart for non-doctor viewers, or
// validates the requested one for the doctor.
func CounterpartFor(viewer, requested Role) (Role, error) {
	switch viewer {
	case RolePatient, RoleLab:
		return RoleDoctor, nil
	case RoleDoctor:
		if requested == RolePatient || requested == RoleLab {
			return requested, nil
		}
		// Default tab.
		if requested == "" {
			return RolePatient, nil
		}
		return "", ErrInvalidRole
	}
	return "", ErrInvalidRole
}
