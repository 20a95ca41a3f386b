package manifest

import (
	"strconv"
	"strings"
)

// TemplateVars are the values substituted into a segment template.
type TemplateVars struct {
	RepresentationID string
	Number           uint64
	Time             uint64
	Bandwidth        uint32
}

// FormatURL expands the DASH template identifiers in tpl:
//
//	$$                  a literal $
//	$RepresentationID$  the representation id
//	$Number$            the segment number
//	$Time$              the segment time
//	$Bandwidth$         the representation bandwidth
//
// Number, Time and Bandwidth accept a printf width tag such as
// $Number%05d$ with the conversions d, i, u, x, X and o. Unknown
// identifiers and malformed tags are copied unchanged.
func FormatURL(tpl string, v TemplateVars) string {
	if !strings.Contains(tpl, "$") {
		return tpl
	}

	var b strings.Builder
	b.Grow(len(tpl) + 16)
	for {
		start := strings.IndexByte(tpl, '$')
		if start < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		b.WriteString(tpl[:start])
		tpl = tpl[start+1:]

		end := strings.IndexByte(tpl, '$')
		if end < 0 {
			b.WriteByte('$')
			b.WriteString(tpl)
			return b.String()
		}
		ident := tpl[:end]
		if ident == "" {
			b.WriteByte('$')
			tpl = tpl[1:]
			continue
		}

		if s, ok := expandIdentifier(ident, v); ok {
			b.WriteString(s)
			tpl = tpl[end+1:]
			continue
		}
		// Leave the closing $ in place; it may open the next identifier.
		b.WriteByte('$')
		b.WriteString(ident)
		tpl = tpl[end:]
	}
}

func expandIdentifier(ident string, v TemplateVars) (string, bool) {
	if ident == "RepresentationID" {
		return v.RepresentationID, true
	}

	var value uint64
	var tag string
	switch {
	case strings.HasPrefix(ident, "Number"):
		value, tag = v.Number, ident[len("Number"):]
	case strings.HasPrefix(ident, "Time"):
		value, tag = v.Time, ident[len("Time"):]
	case strings.HasPrefix(ident, "Bandwidth"):
		value, tag = uint64(v.Bandwidth), ident[len("Bandwidth"):]
	default:
		return "", false
	}
	return formatTag(tag, value)
}

// formatTag applies a %0<width><conv> tag; an empty tag is %01d.
func formatTag(tag string, value uint64) (string, bool) {
	if tag == "" {
		return strconv.FormatUint(value, 10), true
	}
	if len(tag) < 3 || tag[0] != '%' || tag[1] != '0' {
		return "", false
	}

	base := 10
	upper := false
	switch tag[len(tag)-1] {
	case 'd', 'i', 'u':
	case 'x':
		base = 16
	case 'X':
		base, upper = 16, true
	case 'o':
		base = 8
	default:
		return "", false
	}

	width := 1
	if digits := tag[2 : len(tag)-1]; digits != "" {
		w, err := strconv.Atoi(digits)
		if err != nil || w < 0 {
			return "", false
		}
		width = w
	}

	s := strconv.FormatUint(value, base)
	if upper {
		s = strings.ToUpper(s)
	}
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s, true
}
