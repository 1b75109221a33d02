package command

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Parse maps a request string to a Command: walk the input once,
// recognize a verb, then recognize verb-specific trailing tokens. Any
// malformed input raises a recoverable error wrapping ErrSyntax or
// ErrSemantics — Parse never panics on garbage input.
func Parse(request string) (Command, error) {
	toks := tokenize(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(request), ";")))
	if len(toks) == 0 {
		return Command{}, errors.Wrap(ErrSyntax, "empty request")
	}

	verb := strings.ToLower(toks[0])
	rest := toks[1:]

	switch verb {
	case "ping":
		return Command{Kind: KindPing}, nil
	case "status":
		return Command{Kind: KindStatus}, nil
	case "topology":
		return Command{Kind: KindTopology}, nil
	case "select":
		return parseSelect(rest)
	case "iterator":
		return parseIteratorPop(rest)
	case "index":
		return parseIndex(rest)
	case "reindex":
		return parseReindex(rest)
	case "compact":
		return parseCompact(rest)
	case "config":
		return parseConfig(rest)
	case "taint":
		return parseTaint(rest)
	case "drop":
		return parseDrop(rest)
	default:
		return Command{}, errors.Wrapf(ErrSyntax, "unknown command %q", verb)
	}
}

// tokenize splits on whitespace but keeps double-quoted strings (which
// may contain spaces) as a single token with the quotes stripped, and
// keeps bracketed lists like [gram3,hash4] as a single token.
func tokenize(s string) []string {
	var toks []string
	i, n := 0, len(s)
	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		switch s[i] {
		case '"':
			j := i + 1
			for j < n && s[j] != '"' {
				j++
			}
			if j < n {
				toks = append(toks, s[i+1:j])
				i = j + 1
			} else {
				toks = append(toks, s[i+1:j])
				i = j
			}
		case '[':
			j := i + 1
			for j < n && s[j] != ']' {
				j++
			}
			if j < n {
				toks = append(toks, s[i:j+1])
				i = j + 1
			} else {
				toks = append(toks, s[i:j])
				i = j
			}
		default:
			j := i
			for j < n && s[j] != ' ' {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

func splitList(tok string) []string {
	tok = strings.TrimPrefix(tok, "[")
	tok = strings.TrimSuffix(tok, "]")
	if tok == "" {
		return nil
	}
	parts := strings.Split(tok, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSelect(toks []string) (Command, error) {
	if len(toks) == 0 {
		return Command{}, errors.Wrap(ErrSemantics, "select: missing query")
	}
	cmd := Command{Kind: KindSelect, Query: toks[0]}
	i := 1
	for i < len(toks) {
		switch strings.ToLower(toks[i]) {
		case "with":
			if i+1 >= len(toks) {
				return Command{}, errors.Wrap(ErrSemantics, "select: with needs taints")
			}
			cmd.Taints = splitList(toks[i+1])
			i += 2
		case "datasets":
			if i+1 >= len(toks) {
				return Command{}, errors.Wrap(ErrSemantics, "select: datasets needs a list")
			}
			cmd.Datasets = splitList(toks[i+1])
			i += 2
		case "into":
			if i+1 >= len(toks) || strings.ToLower(toks[i+1]) != "iterator" {
				return Command{}, errors.Wrap(ErrSemantics, "select: into needs iterator")
			}
			cmd.IteratorRequested = true
			i += 2
		default:
			return Command{}, errors.Wrapf(ErrSemantics, "select: unexpected token %q", toks[i])
		}
	}
	return cmd, nil
}

func parseIteratorPop(toks []string) (Command, error) {
	if len(toks) != 3 || strings.ToLower(toks[1]) != "pop" {
		return Command{}, errors.Wrap(ErrSemantics, "iterator: expected <id> pop <count>")
	}
	if toks[0] == "" {
		return Command{}, errors.Wrap(ErrSemantics, "iterator: empty id")
	}
	count, err := strconv.Atoi(toks[2])
	if err != nil || count < 0 {
		return Command{}, errors.Wrap(ErrSemantics, "iterator: bad count")
	}
	return Command{Kind: KindIteratorPop, IteratorID: toks[0], Count: count}, nil
}

func parseIndex(toks []string) (Command, error) {
	if len(toks) == 0 {
		return Command{}, errors.Wrap(ErrSemantics, "index: missing path")
	}
	cmd := Command{Kind: KindIndex, EnsureUnique: true}
	if strings.ToLower(toks[0]) == "from" {
		if len(toks) < 2 {
			return Command{}, errors.Wrap(ErrSemantics, "index from: missing file")
		}
		cmd.Kind = KindIndexFrom
		cmd.PathListFile = toks[1]
		toks = toks[2:]
	} else {
		cmd.Paths = []string{toks[0]}
		toks = toks[1:]
	}
	i := 0
	for i < len(toks) {
		switch strings.ToLower(toks[i]) {
		case "with":
			if i+1 >= len(toks) {
				return Command{}, errors.Wrap(ErrSemantics, "index: with needs types")
			}
			cmd.IndexTypes = splitList(toks[i+1])
			i += 2
		case "taints":
			if i+1 >= len(toks) {
				return Command{}, errors.Wrap(ErrSemantics, "index: taints needs a list")
			}
			cmd.Taints = splitList(toks[i+1])
			i += 2
		case "duplicate":
			cmd.EnsureUnique = false
			i++
		default:
			return Command{}, errors.Wrapf(ErrSemantics, "index: unexpected token %q", toks[i])
		}
	}
	if len(cmd.IndexTypes) == 0 {
		return Command{}, errors.Wrap(ErrSemantics, "index: missing index types")
	}
	return cmd, nil
}

func parseReindex(toks []string) (Command, error) {
	if len(toks) < 1 || toks[0] == "" {
		return Command{}, errors.Wrap(ErrSemantics, "reindex: missing dataset id")
	}
	cmd := Command{Kind: KindReindex, DatasetID: toks[0]}
	if len(toks) >= 3 && strings.ToLower(toks[1]) == "with" {
		cmd.IndexTypes = splitList(toks[2])
	}
	return cmd, nil
}

func parseCompact(toks []string) (Command, error) {
	if len(toks) != 1 {
		return Command{}, errors.Wrap(ErrSemantics, "compact: expected smart|full")
	}
	switch strings.ToLower(toks[0]) {
	case "smart":
		return Command{Kind: KindCompact, Mode: CompactSmart}, nil
	case "full":
		return Command{Kind: KindCompact, Mode: CompactFull}, nil
	default:
		return Command{}, errors.Wrapf(ErrSemantics, "compact: unknown mode %q", toks[0])
	}
}

func parseConfig(toks []string) (Command, error) {
	if len(toks) == 0 {
		return Command{}, errors.Wrap(ErrSemantics, "config: expected get|set")
	}
	switch strings.ToLower(toks[0]) {
	case "get":
		return Command{Kind: KindConfigGet, Keys: toks[1:]}, nil
	case "set":
		if len(toks) != 3 {
			return Command{}, errors.Wrap(ErrSemantics, "config set: expected <key> <value>")
		}
		return Command{Kind: KindConfigSet, Key: toks[1], Value: toks[2]}, nil
	default:
		return Command{}, errors.Wrapf(ErrSemantics, "config: unknown subcommand %q", toks[0])
	}
}

func parseTaint(toks []string) (Command, error) {
	if len(toks) != 2 || toks[0] == "" {
		return Command{}, errors.Wrap(ErrSemantics, "taint: expected <dataset> <+/-taint>")
	}
	label := toks[1]
	if len(label) < 2 || (label[0] != '+' && label[0] != '-') {
		return Command{}, errors.Wrap(ErrSemantics, "taint: taint must start with + or -")
	}
	mode := TaintAdd
	if label[0] == '-' {
		mode = TaintRemove
	}
	return Command{Kind: KindTaint, DatasetID: toks[0], TaintName: label[1:], TaintMode: mode}, nil
}

func parseDrop(toks []string) (Command, error) {
	if len(toks) != 1 || toks[0] == "" {
		return Command{}, errors.Wrap(ErrSemantics, "drop: expected <dataset>")
	}
	return Command{Kind: KindDatasetDrop, DatasetID: toks[0]}, nil
}
