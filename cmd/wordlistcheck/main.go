// Command wordlistcheck lints a moderation wordlist for duplicate lines.
//
// Comment lines (#) and blank lines are excluded from the duplicate check but
// preserved in rewrites. Exit code 0 when clean, 1 when duplicates are found
// (useful in CI), 2 on usage errors.
//
// Usage:
//
//	wordlistcheck [flags] banned_words.txt
//
// Flags:
//
//	--ignore-case  compare lines case-insensitively
//	--strip        trim surrounding whitespace before comparing
//	--in-place     rewrite the file keeping the first occurrence of each line
//	--sort         with --in-place, sort the unique phrases (comments first)
//	--reverse      with --sort, sort descending
//	--fix          shortcut for --in-place --sort --ignore-case --strip,
//	               writing a .bak backup first
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

type options struct {
	ignoreCase bool
	strip      bool
	inPlace    bool
	sortLines  bool
	reverse    bool
	fix        bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.ignoreCase, "ignore-case", false, "Compare lines case-insensitively")
	flag.BoolVar(&opts.strip, "strip", false, "Trim surrounding whitespace before comparing")
	flag.BoolVar(&opts.inPlace, "in-place", false, "Rewrite the file without duplicate lines")
	flag.BoolVar(&opts.sortLines, "sort", false, "Sort unique phrases when rewriting")
	flag.BoolVar(&opts.reverse, "reverse", false, "Reverse the sort order")
	flag.BoolVar(&opts.fix, "fix", false, "Dedupe, sort, and rewrite in place (writes a .bak backup)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wordlistcheck [flags] <wordlist-file>")
		os.Exit(2)
	}
	if opts.fix {
		opts.inPlace = true
		opts.sortLines = true
		opts.ignoreCase = true
		opts.strip = true
	}

	code, err := run(flag.Arg(0), opts)
	if err != nil {
		slog.Error("wordlistcheck failed", slog.Any("err", err))
		os.Exit(2)
	}
	os.Exit(code)
}

type duplicate struct {
	line  int // 1-based line number of the duplicate
	first int // line number of the first occurrence
	text  string
}

func run(path string, opts options) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	dups, unique := dedupe(lines, opts)

	if len(dups) == 0 {
		fmt.Println("No duplicates found.")
	} else {
		fmt.Printf("Found %d duplicate line(s):\n", len(dups))
		for _, d := range dups {
			fmt.Printf("  line %d (duplicate of line %d): %s\n", d.line, d.first, d.text)
		}
	}

	if opts.inPlace {
		if opts.fix {
			bak := path + ".bak"
			if _, err := os.Stat(bak); os.IsNotExist(err) {
				if err := os.WriteFile(bak, raw, 0o644); err != nil {
					return 0, fmt.Errorf("write backup: %w", err)
				}
				fmt.Printf("Backup written to %s\n", bak)
			}
		}
		if opts.sortLines {
			unique = sortKeepingComments(unique, opts)
		}
		out := strings.Join(unique, "\n") + "\n"
		if out != string(raw) {
			if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
				return 0, fmt.Errorf("rewrite wordlist: %w", err)
			}
			fmt.Printf("Rewrote %s without duplicates.\n", path)
		} else {
			fmt.Println("No change needed (file already deduplicated).")
		}
	}

	// Duplicates always mean a dirty input, even when the rewrite just
	// fixed them, so CI notices the checked-in file was stale.
	if len(dups) > 0 {
		return 1, nil
	}
	return 0, nil
}

// dedupe reports duplicates and returns the lines with later occurrences
// removed. Comments and blank lines pass through untouched.
func dedupe(lines []string, opts options) ([]duplicate, []string) {
	seen := map[string]int{}
	var dups []duplicate
	var unique []string

	for i, line := range lines {
		if skippable(line) {
			unique = append(unique, line)
			continue
		}
		norm := normalize(line, opts)
		if first, ok := seen[norm]; ok {
			dups = append(dups, duplicate{line: i + 1, first: first, text: line})
			continue
		}
		seen[norm] = i + 1
		if opts.strip {
			line = strings.TrimSpace(line)
		}
		unique = append(unique, line)
	}
	return dups, unique
}

// sortKeepingComments moves comments and blanks to the top in original order
// and sorts the phrases below them.
func sortKeepingComments(lines []string, opts options) []string {
	var head, words []string
	for _, line := range lines {
		if skippable(line) {
			head = append(head, line)
		} else {
			words = append(words, line)
		}
	}
	sort.SliceStable(words, func(i, j int) bool {
		a, b := words[i], words[j]
		if opts.ignoreCase {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		if opts.reverse {
			return a > b
		}
		return a < b
	})
	return append(head, words...)
}

func skippable(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#")
}

func normalize(line string, opts options) string {
	if opts.strip {
		line = strings.TrimSpace(line)
	}
	if opts.ignoreCase {
		line = strings.ToLower(line)
	}
	return line
}
