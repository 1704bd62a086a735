package ftp

import (
	"strconv"
	"strings"
	"time"
)

// EntryKind classifies one parsed listing line.
type EntryKind int

const (
	EntryIgnore EntryKind = iota
	EntryFile
	EntryDirectory
	EntrySymlink
)

// Entry is one parsed line of a directory listing (spec.md §4.4).
type Entry struct {
	Kind       EntryKind
	Name       string
	LinkTarget string // only for EntrySymlink
	Size       string // kept as the server's raw digit string
	ModTime    brokenDownTime
	RawPerms   string
}

// brokenDownTime is the listing's local, often year-elided timestamp,
// resolved to an absolute time by the caller once it knows the
// server's notion of "now" (spec.md §4.4: "resolves ... to
// seconds-since-epoch via local-time conversion").
type brokenDownTime struct {
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Year   int // 0 means "not present in the listing line; infer from now"
}

// Resolve turns a broken-down time into an absolute time.Time, using
// the reference "now" to pick the year when none was present (a
// listing showing "Mar 3 10:22" could be this year or, if that would
// be in the future, last year).
func (b brokenDownTime) Resolve(now time.Time, loc *time.Location) time.Time {
	year := b.Year
	if year == 0 {
		year = now.Year()
		candidate := time.Date(year, b.Month, b.Day, b.Hour, b.Minute, 0, 0, loc)
		if candidate.After(now.Add(24 * time.Hour)) {
			year--
		}
	}
	return time.Date(year, b.Month, b.Day, b.Hour, b.Minute, 0, 0, loc)
}

// ListingParser carries state across the lines of one LIST response,
// since a server may switch between Unix and DOS dialects mid-listing
// (spec.md §4.4). Callers create one per listing and discard it at the
// end; it holds no connection state.
type ListingParser struct {
	sawAnyUnix bool
}

// NewListingParser returns a fresh parser for one listing.
func NewListingParser() *ListingParser { return &ListingParser{} }

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Parse consumes one raw listing line and returns the Entry it
// describes. Blank lines and "total N" header lines yield EntryIgnore.
func (p *ListingParser) Parse(line string) Entry {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Entry{Kind: EntryIgnore}
	}
	if strings.HasPrefix(line, "total ") {
		return Entry{Kind: EntryIgnore}
	}
	if e, ok := p.parseUnix(line); ok {
		p.sawAnyUnix = true
		return e
	}
	if e, ok := p.parseDOS(line); ok {
		return e
	}
	return Entry{Kind: EntryIgnore}
}

// parseUnix handles the classic `ls -l` style line:
//
//	drwxr-xr-x  2 user group 4096 Mar  3 10:22 name
//	lrwxrwxrwx  1 user group   11 Mar  3 10:22 name -> target
//	-rw-r--r--  1 user group  512 Mar  3  2019 name
func (p *ListingParser) parseUnix(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Entry{}, false
	}
	perms := fields[0]
	if len(perms) < 10 || !strings.ContainsAny(perms[0:1], "-dlbcps") {
		return Entry{}, false
	}

	// Locate the month token: Unix listings have a fixed count of
	// metadata fields before month/day/time/year, but link-count and
	// owner/group widths vary, so scan for the first recognizable
	// month abbreviation instead of indexing positionally.
	monthIdx := -1
	for i := 1; i < len(fields)-3; i++ {
		if _, ok := monthIndex[strings.ToLower(fields[i])]; ok {
			monthIdx = i
			break
		}
	}
	if monthIdx < 0 || monthIdx+2 >= len(fields) {
		return Entry{}, false
	}

	month := monthIndex[strings.ToLower(fields[monthIdx])]
	day, err := strconv.Atoi(fields[monthIdx+1])
	if err != nil {
		return Entry{}, false
	}
	sizeField := fields[monthIdx-1]
	bt := brokenDownTime{Month: month, Day: day}
	timeOrYear := fields[monthIdx+2]
	if hh, mm, ok := splitClock(timeOrYear); ok {
		bt.Hour, bt.Minute = hh, mm
	} else if yr, err := strconv.Atoi(timeOrYear); err == nil {
		bt.Year = yr
	} else {
		return Entry{}, false
	}

	nameStart := monthIdx + 3
	if nameStart >= len(fields) {
		return Entry{}, false
	}
	rest := strings.Join(fields[nameStart:], " ")

	switch perms[0] {
	case 'd':
		return Entry{Kind: EntryDirectory, Name: rest, ModTime: bt, RawPerms: perms}, true
	case 'l':
		name, target := splitSymlink(rest)
		target = normalizeLinkTarget(target)
		return Entry{Kind: EntrySymlink, Name: name, LinkTarget: target, Size: sizeField, ModTime: bt, RawPerms: perms}, true
	default:
		return Entry{Kind: EntryFile, Name: rest, Size: sizeField, ModTime: bt, RawPerms: perms}, true
	}
}

// parseDOS handles the IIS/Windows FTP listing style:
//
//	03-03-19  10:22AM       <DIR>          name
//	03-03-19  10:22AM               512    name
func (p *ListingParser) parseDOS(line string) (Entry, bool) {
	fields := strings.SplitN(strings.TrimLeft(line, " "), " ", 4)
	parts := strings.Fields(line)
	if len(parts) < 4 {
		return Entry{}, false
	}
	datePart, timePart := parts[0], parts[1]
	dateFields := strings.Split(datePart, "-")
	if len(dateFields) != 3 {
		return Entry{}, false
	}
	mo, errM := strconv.Atoi(dateFields[0])
	day, errD := strconv.Atoi(dateFields[1])
	yr, errY := strconv.Atoi(dateFields[2])
	if errM != nil || errD != nil || errY != nil {
		return Entry{}, false
	}
	if yr < 100 {
		yr += 2000
	}
	hh, mm, ok := splitClockAMPM(timePart)
	if !ok {
		return Entry{}, false
	}
	bt := brokenDownTime{Month: time.Month(mo), Day: day, Hour: hh, Minute: mm, Year: yr}

	rest := strings.TrimSpace(strings.Join(parts[2:], " "))
	if strings.HasPrefix(rest, "<DIR>") {
		name := strings.TrimSpace(strings.TrimPrefix(rest, "<DIR>"))
		return Entry{Kind: EntryDirectory, Name: name, ModTime: bt}, true
	}
	sizeAndName := strings.SplitN(rest, " ", 2)
	if len(sizeAndName) != 2 {
		return Entry{}, false
	}
	if _, err := strconv.Atoi(sizeAndName[0]); err != nil {
		return Entry{}, false
	}
	_ = fields
	return Entry{Kind: EntryFile, Name: strings.TrimSpace(sizeAndName[1]), Size: sizeAndName[0], ModTime: bt}, true
}

func splitClock(s string) (hour, minute int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return h, m, true
}

func splitClockAMPM(s string) (hour, minute int, ok bool) {
	pm := strings.HasSuffix(strings.ToUpper(s), "PM")
	am := strings.HasSuffix(strings.ToUpper(s), "AM")
	if !pm && !am {
		return 0, 0, false
	}
	h, m, ok := splitClock(s[:len(s)-2])
	if !ok {
		return 0, 0, false
	}
	if pm && h != 12 {
		h += 12
	}
	if am && h == 12 {
		h = 0
	}
	return h, m, true
}

func splitSymlink(rest string) (name, target string) {
	if idx := strings.Index(rest, " -> "); idx >= 0 {
		return rest[:idx], rest[idx+4:]
	}
	return rest, ""
}

// normalizeLinkTarget resolves ".." segments textually, without
// issuing further FTP requests (spec.md §4.4).
func normalizeLinkTarget(target string) string {
	if target == "" {
		return target
	}
	abs := strings.HasPrefix(target, "/")
	segs := strings.Split(target, "/")
	var out []string
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
		}
	}
	joined := strings.Join(out, "/")
	if abs {
		return "/" + joined
	}
	return joined
}

// IsUnixHidden reports whether name should be treated as hidden, per
// spec.md §4.4 ("marks Unix hidden (leading dot) when the server is
// Unix-like").
func IsUnixHidden(systemType SystemType, name string) bool {
	return systemType == SystemUnix && strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// MaxSymlinkFollowDepth bounds recursive symlink resolution (spec.md
// §9: fixed at eight hops).
const MaxSymlinkFollowDepth = 8
