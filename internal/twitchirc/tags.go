package twitchirc

import "strings"

// Tags holds the IRCv3 message tags of one line. A key present with an
// empty value is distinct from a missing key.
type Tags map[string]string

func (t Tags) Has(key string) bool {
	_, ok := t[key]
	return ok
}

func (t Tags) Get(key string) string {
	return t[key]
}

// ParseTags extracts the leading "@k=v;k2=v2 " block of a raw line. Lines
// without tags, without a space after the block, or with an empty key yield
// an empty map.
func ParseTags(line string) Tags {
	tags := Tags{}
	if !strings.HasPrefix(line, "@") {
		return tags
	}
	block, _, ok := strings.Cut(line[1:], " ")
	if !ok {
		return tags
	}
	for _, kv := range strings.Split(block, ";") {
		if kv == "" {
			continue
		}
		key, val, _ := strings.Cut(kv, "=")
		if key == "" {
			return Tags{}
		}
		tags[key] = unescapeTag(val)
	}
	return tags
}

func unescapeTag(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			if s[i] != '\\' {
				b.WriteByte(s[i])
			}
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
