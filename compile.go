package sqlbind

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// scalar carries a value bound through Scalar, pinning it to a single
// placeholder even when it is a slice.
type scalar struct {
	v any
}

// marker is one :name occurrence inside a template. start points at the ':',
// end is one past the last name byte, so template[start:end] is the raw token.
type marker struct {
	name  string
	start int
	end   int
}

// --------------------------------
// Scanner
// --------------------------------

// scanMarkers walks the template and returns every :name occurrence in order.
// A name is one or more word bytes [0-9A-Za-z_]. Text inside string literals
// ('...', "...", `...`), line comments (--), block comments (/* ... */) and
// dollar-quoted blocks ($tag$ ... $tag$) is skipped, as are ::type casts.
// Two regions are dialect-gated: # line comments on MySQL and [bracketed]
// identifiers on SQL Server. Unterminated regions run to the end of the
// template.
func scanMarkers(q string, dialect Dialect) []marker {
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...`
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	var marks []marker
	var dqTag string // active dollar-quoted tag

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				i += 2
				continue
			}
			if c == '#' && dialect == MySQL {
				state = sLC
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				i++
				continue
			}
			if c == '`' {
				state = sBT
				i++
				continue
			}
			if c == '[' && dialect == SQLServer {
				state = sBR
				i++
				continue
			}
			if c == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					i += len(tag)
					continue
				}
			}
			if c == ':' && i+1 < len(q) && q[i+1] != ':' && !(i > 0 && q[i-1] == ':') {
				j := i + 1
				for j < len(q) && isWordByte(q[j]) {
					j++
				}
				if j > i+1 {
					marks = append(marks, marker{name: q[i+1 : j], start: i, end: j})
					i = j
					continue
				}
			}
			i++

		case sSQ:
			if c == '\\' {
				i += 2
				continue
			}
			i++
			if c == '\'' {
				if i < len(q) && q[i] == '\'' {
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if c == '\\' {
				i += 2
				continue
			}
			i++
			if c == '"' {
				if i < len(q) && q[i] == '"' {
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			if c == '*' && i+1 < len(q) && q[i+1] == '/' {
				state = sText
				i += 2
				continue
			}
			i++

		case sDQD:
			if dqTag == "" {
				i = len(q)
				break
			}
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				i = len(q)
			} else {
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return marks
}

// isWordByte reports whether b is [0-9A-Za-z_].
func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// readDollarTag reads a dollar-quote opener at the start of s and returns the
// whole tag, dollar signs included, so "$fn$body$fn$" yields "$fn$".
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isWordByte(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}

// --------------------------------
// Bindings
// --------------------------------

var byteSliceType = reflect.TypeOf([]byte(nil))

// binding is the stored form of one Bind call: either a single scalar
// argument or an ordered list destined for one-placeholder-per-element
// expansion.
type binding struct {
	vals []any
	list bool
}

// asBinding normalizes the values of one Bind call. Exactly one value binds
// as a scalar, unless it is a slice or array other than []byte (byte-slice
// aliases are converted to plain []byte) and not a driver.Valuer, in which
// case its elements bind as a list. Zero or multiple values bind as a list.
func asBinding(values []any) binding {
	if len(values) != 1 {
		out := make([]any, len(values))
		for i, v := range values {
			if sc, ok := v.(scalar); ok {
				v = sc.v
			}
			out[i] = v
		}
		return binding{vals: out, list: true}
	}

	v := values[0]
	if sc, ok := v.(scalar); ok {
		return binding{vals: []any{sc.v}}
	}
	if _, ok := v.(driver.Valuer); ok {
		return binding{vals: []any{v}}
	}
	if bs, ok := v.([]byte); ok {
		return binding{vals: []any{bs}}
	}

	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		// Byte-slice-like aliases stay scalar, converted to plain []byte.
		if rv.Type().ConvertibleTo(byteSliceType) {
			return binding{vals: []any{rv.Convert(byteSliceType).Interface()}}
		}
		return binding{vals: []any{v}}
	}
	if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return binding{vals: out, list: true}
	}

	return binding{vals: []any{v}}
}

// --------------------------------
// Compiler
// --------------------------------

// build renders the template against the bindings. In execute mode it emits
// dialect placeholders, collects the driver argument list in marker order,
// and fails on missing bindings, empty lists, or exceeded limits. In debug
// mode it inlines bound values as bracketed literals, leaves unbound markers
// verbatim, and never fails.
func build(q string, binds map[string]binding, dialect Dialect, config Config, debug bool) (string, []any, error) {
	marks := scanMarkers(q, dialect)

	var args []any
	if !debug {
		est := 0
		for _, m := range marks {
			if b, ok := binds[m.name]; ok {
				est += len(b.vals)
			}
		}
		args = make([]any, 0, est)
	}

	var buf strings.Builder
	// $n and @pn tokens are wider than a bare ?.
	extraPer := 1
	switch dialect {
	case Postgres, SQLServer:
		extraPer = 4
	}
	buf.Grow(len(q) + 16 + len(marks)*extraPer)

	var missing []string
	var seenMissing map[string]bool
	n := 0
	last := 0

	for _, m := range marks {
		buf.WriteString(q[last:m.start])
		last = m.end

		if !debug && config.MaxNameLen > 0 && len(m.name) > config.MaxNameLen {
			return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, m.name, len(m.name), config.MaxNameLen)
		}

		b, ok := binds[m.name]
		if !ok {
			// Unbound markers stay verbatim; execute mode reports the full
			// set below.
			buf.WriteString(q[m.start:m.end])
			if !seenMissing[m.name] {
				if seenMissing == nil {
					seenMissing = make(map[string]bool, 4)
				}
				seenMissing[m.name] = true
				missing = append(missing, m.name)
			}
			continue
		}

		if !debug {
			if b.list && len(b.vals) == 0 {
				return "", nil, fmt.Errorf("%w: %s", ErrListEmpty, m.name)
			}
			if err := ensureAdd(config, n, len(b.vals)); err != nil {
				return "", nil, err
			}
		}

		for t, v := range b.vals {
			if t > 0 {
				buf.WriteString(", ")
			}
			if debug {
				writeDebugValue(&buf, v)
				continue
			}
			n++
			writePlaceholder(&buf, dialect, n)
			args = append(args, v)
		}
	}
	buf.WriteString(q[last:])

	if !debug && len(missing) > 0 {
		sort.Strings(missing)
		return "", nil, &MissingParamsError{Names: missing}
	}
	return buf.String(), args, nil
}

// ensureAdd checks that emitting add more placeholders stays within the
// configured limit.
func ensureAdd(config Config, cur, add int) error {
	if config.MaxParams > 0 && cur+add > config.MaxParams {
		return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, cur+add, config.MaxParams)
	}
	return nil
}

// writePlaceholder writes the dialect's token for the idx-th argument.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString("@p")
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// writeDebugValue renders one bound value as a bracketed literal.
func writeDebugValue(b *strings.Builder, v any) {
	if v == nil {
		b.WriteString("[NULL]")
		return
	}
	fmt.Fprintf(b, "[%v]", v)
}
