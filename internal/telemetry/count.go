package telemetry

// CountMessages returns how many feed messages body carries. A body that is a
// JSON array counts one per top-level object; anything else counts as one.
func CountMessages(body []byte) int {
	if len(body) == 0 || body[0] != '[' {
		return 1
	}

	count, depth := 0, 0
	inString, escaped := false, false
	for _, b := range body[1:] {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					count++
				}
			}
		}
	}

	return count
}
