// Package oracle indexes a reference simulator's commit log so recorded
// register changes can be checked against expected values.
//
// The log has one line per retired instruction:
//
//	core   0: 3 0x0000000080000004 (0x00000297) x5  0x0000000080000004
//
// that is, hart, privilege, PC, opcode, then zero or more register/value
// pairs. Memory operands ("mem <addr> [<value>]") are skipped; CSR names
// lose their "c<number>_" prefix. Any other line is ignored.
package oracle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/rvdebug/internal/trace"
)

var (
	commitRe    = regexp.MustCompile(`^core\s+(\d+):\s+(\d+)\s+(0x[0-9a-fA-F]+)\s+\((0x[0-9a-fA-F]+)\)(.*)$`)
	csrPrefixRe = regexp.MustCompile(`^c\d+_`)
)

// RegValue is one register written by a retirement.
type RegValue struct {
	Name  string      `json:"name"`
	Value trace.Value `json:"value"`
}

// Hit is one retirement of an instruction in the reference log.
type Hit struct {
	Priv   trace.Value `json:"priv"`
	Opcode trace.Value `json:"opcode"`
	Regs   []RegValue  `json:"regs"`
}

// Lookup returns the value the retirement wrote to name.
func (h Hit) Lookup(name string) (trace.Value, bool) {
	for _, r := range h.Regs {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

type key struct {
	pc   trace.Value
	hart int
}

// Index maps (PC, hart) to every retirement at that PC, in log order.
type Index struct {
	hits  map[key][]Hit
	lines int
}

// Load parses the commit log at path.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load oracle log: %w", err)
	}
	defer f.Close()

	ix, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load oracle log %s: %w", path, err)
	}
	return ix, nil
}

// Parse reads a commit log.
func Parse(r io.Reader) (*Index, error) {
	ix := &Index{hits: make(map[key][]Hit)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		m := commitRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}

		hart, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: hart: %w", lineNo, err)
		}
		priv, err := trace.ParseValue(m[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: priv: %w", lineNo, err)
		}
		pc, err := trace.ParseHex(m[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: pc: %w", lineNo, err)
		}
		opcode, err := trace.ParseHex(m[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: opcode: %w", lineNo, err)
		}
		regs, err := parseWrites(strings.Fields(m[5]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		k := key{pc: pc, hart: hart}
		ix.hits[k] = append(ix.hits[k], Hit{Priv: priv, Opcode: opcode, Regs: regs})
		ix.lines++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read commit log: %w", err)
	}
	return ix, nil
}

func parseWrites(tokens []string) ([]RegValue, error) {
	regs := []RegValue{}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "mem" {
			// mem <addr> for loads, mem <addr> <value> for stores.
			i++
			if i+1 < len(tokens) && strings.HasPrefix(tokens[i+1], "0x") {
				i++
			}
			continue
		}
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("register %s has no value", tok)
		}
		v, err := trace.ParseHex(tokens[i+1])
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", tok, err)
		}
		regs = append(regs, RegValue{Name: csrPrefixRe.ReplaceAllString(tok, ""), Value: v})
		i++
	}
	return regs, nil
}

// GetRegisterInfoAtPC returns every retirement at pc on hart, in log order.
// The result is nil if the PC never retired.
func (ix *Index) GetRegisterInfoAtPC(pc trace.Value, hart int) []Hit {
	return ix.hits[key{pc: pc, hart: hart}]
}

// Len returns the number of commit lines indexed.
func (ix *Index) Len() int {
	return ix.lines
}
