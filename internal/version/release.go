package version

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/mod/semver"
)

// Check is a single release consistency verification.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// ReleaseReport collects the consistency checks run for one candidate
// version against one working tree.
type ReleaseReport struct {
	Version string
	Checks  []Check
}

// OK reports whether every check passed.
func (r *ReleaseReport) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

var (
	// Loose form for files that record the version without a "v" prefix.
	versionToken = regexp.MustCompile(`v?\d+\.\d+\.\d+`)
	// Tag form. README text mentions plenty of dotted numbers (ports,
	// loopback addresses), so only the explicit vX.Y.Z shape counts there.
	taggedToken = regexp.MustCompile(`\bv\d+\.\d+\.\d+\b`)
)

// CheckRelease verifies that candidate is recorded consistently across the
// repository at dir and matches the release tag when one exists. Every
// location that records the version must agree with every other; the tag at
// HEAD, when present, must be exactly "v" + version. The check only reads:
// deciding to bump and writing the bump stay with the person cutting the
// release.
func CheckRelease(dir, candidate string) (*ReleaseReport, error) {
	if dir == "" {
		return nil, fmt.Errorf("release check: directory is required")
	}
	report := &ReleaseReport{Version: candidate}

	canonical := "v" + strings.TrimPrefix(candidate, "v")
	format := Check{Name: "version format"}
	switch {
	case candidate == "" || candidate == "dev":
		format.Detail = fmt.Sprintf("%q is not a releasable version", candidate)
	case !semver.IsValid(canonical):
		format.Detail = fmt.Sprintf("%q is not valid semver", candidate)
	case semver.Canonical(canonical) != canonical:
		format.Detail = fmt.Sprintf("%q is not in canonical X.Y.Z form", candidate)
	default:
		format.OK = true
		format.Detail = "valid semver " + canonical
	}
	report.Checks = append(report.Checks, format)
	if !format.OK {
		return report, nil
	}

	report.Checks = append(report.Checks, checkChangelog(dir, canonical))
	if c := checkReadme(dir, canonical); c != nil {
		report.Checks = append(report.Checks, *c)
	}
	report.Checks = append(report.Checks, checkGit(dir, canonical)...)
	return report, nil
}

// checkChangelog requires the topmost versioned heading of CHANGELOG.md to
// record the candidate version.
func checkChangelog(dir, want string) Check {
	c := Check{Name: "changelog"}
	f, err := os.Open(filepath.Join(dir, "CHANGELOG.md"))
	if err != nil {
		c.Detail = "CHANGELOG.md not found; releases record their version there"
		return c
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "## ") {
			continue
		}
		tok := versionToken.FindString(line)
		if tok == "" {
			continue
		}
		got := "v" + strings.TrimPrefix(tok, "v")
		if got == want {
			c.OK = true
			c.Detail = "top entry records " + tok
		} else {
			c.Detail = fmt.Sprintf("top entry records %s, want %s", got, want)
		}
		return c
	}
	c.Detail = "no versioned entry in CHANGELOG.md"
	return c
}

// checkReadme verifies any explicit vX.Y.Z reference in README.md agrees
// with the candidate. A README without version references passes; one is
// not required to carry an install line.
func checkReadme(dir, want string) *Check {
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		return nil
	}
	c := Check{Name: "readme"}
	tokens := taggedToken.FindAllString(string(data), -1)
	if len(tokens) == 0 {
		c.OK = true
		c.Detail = "no version references"
		return &c
	}
	for _, tok := range tokens {
		if tok != want {
			c.Detail = fmt.Sprintf("references %s, want %s", tok, want)
			return &c
		}
	}
	c.OK = true
	c.Detail = "references " + want
	return &c
}

// checkGit inspects the repository at dir for a release tag on HEAD and,
// when one exists, a clean worktree. Trees without git metadata skip the
// git checks rather than fail them.
func checkGit(dir, want string) []Check {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return []Check{{Name: "release tag", OK: true, Detail: "not a git repository; tag checks skipped"}}
	}
	head, err := repo.Head()
	if err != nil {
		return []Check{{Name: "release tag", OK: true, Detail: "repository has no HEAD; tag checks skipped"}}
	}

	var atHead []string
	tags, err := repo.Tags()
	if err == nil {
		_ = tags.ForEach(func(ref *plumbing.Reference) error {
			hash := ref.Hash()
			// Annotated tags point at a tag object, not the commit.
			if tag, terr := repo.TagObject(hash); terr == nil {
				hash = tag.Target
			}
			if hash == head.Hash() {
				atHead = append(atHead, ref.Name().Short())
			}
			return nil
		})
	}

	checks := make([]Check, 0, 2)
	tagCheck := Check{Name: "release tag"}
	switch {
	case len(atHead) == 0:
		tagCheck.OK = true
		tagCheck.Detail = "no tag at HEAD; tag as " + want + " when releasing"
	case slices.Contains(atHead, want):
		tagCheck.OK = true
		tagCheck.Detail = "HEAD is tagged " + want
	default:
		tagCheck.Detail = fmt.Sprintf("HEAD tags %v do not include %s", atHead, want)
	}
	checks = append(checks, tagCheck)

	if len(atHead) > 0 {
		clean := Check{Name: "clean worktree"}
		if wt, werr := repo.Worktree(); werr == nil {
			if status, serr := wt.Status(); serr == nil {
				if status.IsClean() {
					clean.OK = true
					clean.Detail = "no local modifications"
				} else {
					clean.Detail = "tagged HEAD has local modifications"
				}
				checks = append(checks, clean)
			}
		}
	}
	return checks
}
