package ftp

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
)

// Feature is a bitset of capabilities probed via FEAT.
type Feature uint32

const (
	FeatureMDTM Feature = 1 << iota
	FeatureSIZE
	FeatureTVFS
	FeatureEPSV
	FeatureEPRT
	FeatureUTF8
)

// Has reports whether f includes bit.
func (f Feature) Has(bit Feature) bool { return f&bit != 0 }

func parseFeatures(lines []string) Feature {
	var f Feature
	for _, line := range lines {
		word := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case word == "MDTM":
			f |= FeatureMDTM
		case word == "SIZE":
			f |= FeatureSIZE
		case strings.HasPrefix(word, "TVFS"):
			f |= FeatureTVFS
		case word == "EPSV":
			f |= FeatureEPSV
		case word == "EPRT":
			f |= FeatureEPRT
		case strings.HasPrefix(word, "UTF8"):
			f |= FeatureUTF8
		}
	}
	return f
}

// SystemType is the detected server OS family, used to decide LIST
// flags and hidden-file semantics.
type SystemType int

const (
	SystemUnknown SystemType = iota
	SystemUnix
	SystemWindows
)

func parseSystemType(syst string) SystemType {
	upper := strings.ToUpper(syst)
	switch {
	case strings.Contains(upper, "UNIX"):
		return SystemUnix
	case strings.Contains(upper, "WINDOWS"), strings.Contains(upper, "WIN32"):
		return SystemWindows
	default:
		return SystemUnknown
	}
}

// Workaround is a bitset of server-quirk toggles, set lazily on first
// evidence of the quirk and read via atomic CAS loop (spec.md §5).
type Workaround uint32

const (
	// WorkaroundFeatAfterLogin means the server rejects FEAT before
	// USER/PASS; feature probing must be retried after login.
	WorkaroundFeatAfterLogin Workaround = 1 << iota
)

type workaroundBits struct{ bits atomic.Uint32 }

func (w *workaroundBits) set(bit Workaround) {
	for {
		old := w.bits.Load()
		next := old | uint32(bit)
		if old == next || w.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (w *workaroundBits) has(bit Workaround) bool {
	return Workaround(w.bits.Load())&bit != 0
}

// DataMethod enumerates the data-channel negotiation strategies.
type DataMethod uint32

const (
	// MethodAny tries, in preference order, PASV, EPSV, PORT, EPRT.
	MethodAny DataMethod = iota
	MethodEPSV
	MethodPASV
	MethodPASVCommandAddress
	MethodEPRT
	MethodPORT
)

func (m DataMethod) String() string {
	switch m {
	case MethodAny:
		return "ANY"
	case MethodEPSV:
		return "EPSV"
	case MethodPASV:
		return "PASV"
	case MethodPASVCommandAddress:
		return "PASV-with-command-address"
	case MethodEPRT:
		return "EPRT"
	case MethodPORT:
		return "PORT"
	default:
		return "unknown"
	}
}

type dataMethodBox struct{ v atomic.Uint32 }

func (b *dataMethodBox) load() DataMethod   { return DataMethod(b.v.Load()) }
func (b *dataMethodBox) store(m DataMethod) { b.v.Store(uint32(m)) }

// casPreferredMethod atomically sets the preferred method the first
// time a concrete method succeeds (MethodAny never becomes the stored
// preference).
func (b *dataMethodBox) casPreferredMethod(m DataMethod) {
	for {
		old := b.v.Load()
		if DataMethod(old) == m {
			return
		}
		if b.v.CompareAndSwap(old, uint32(m)) {
			return
		}
	}
}

// openDataChannel establishes a data channel on conn for one transfer,
// trying methods in the policy order of spec.md §4.3. It returns the
// method that succeeded so the Task can both record it for this
// transfer and offer it to the Backend as the new preference.
//
// sendCommand is invoked with the negotiated command (e.g. "EPRT
// |1|1.2.3.4|53112|") after the data channel groundwork (dial or
// listen) is done but, for active modes, before AcceptData is called -
// exactly mirroring the FTP requirement that PORT/EPRT must be
// acknowledged before the triggering transfer command is sent.
func openDataChannel(ctx context.Context, conn *Connection, preferred DataMethod, feat Feature, sendCommand func(cmd string) (code int, lines []string, err error)) (used DataMethod, err error) {
	candidates := candidateMethods(preferred, feat)
	var lastErr error
	for _, method := range candidates {
		if err := tryMethod(ctx, conn, method, sendCommand); err != nil {
			lastErr = err
			continue
		}
		return method, nil
	}
	if lastErr == nil {
		lastErr = newErr(KindNotSupported, "no data channel method succeeded")
	}
	return 0, lastErr
}

// candidateMethods returns the ordered list of methods to attempt.
// When preferred names a concrete method, that method alone is tried
// (callers fall back to MethodAny only after a concrete method fails
// during actual use).
func candidateMethods(preferred DataMethod, feat Feature) []DataMethod {
	if preferred != MethodAny {
		return []DataMethod{preferred}
	}
	var methods []DataMethod
	// PASV-with-command-address is tried right after plain PASV, not as
	// a distinct policy step: it is the same 227 reply, just connected
	// to a different address, so it costs nothing extra to attempt when
	// a NATed server's embedded address turns out to be unreachable
	// (spec.md §8, scenario 2).
	methods = append(methods, MethodPASV, MethodPASVCommandAddress)
	if feat.Has(FeatureEPSV) {
		methods = append(methods, MethodEPSV)
	}
	methods = append(methods, MethodPORT)
	if feat.Has(FeatureEPRT) {
		methods = append(methods, MethodEPRT)
	}
	// Some servers underreport FEAT; try the remaining methods too.
	if !feat.Has(FeatureEPSV) {
		methods = append(methods, MethodEPSV)
	}
	if !feat.Has(FeatureEPRT) {
		methods = append(methods, MethodEPRT)
	}
	return methods
}

func tryMethod(ctx context.Context, conn *Connection, method DataMethod, sendCommand func(string) (int, []string, error)) error {
	switch method {
	case MethodPASV:
		return pasv(ctx, conn, sendCommand, false)
	case MethodPASVCommandAddress:
		return pasv(ctx, conn, sendCommand, true)
	case MethodEPSV:
		return epsv(ctx, conn, sendCommand)
	case MethodPORT:
		return portOrEprt(ctx, conn, sendCommand, false)
	case MethodEPRT:
		return portOrEprt(ctx, conn, sendCommand, true)
	default:
		return fmt.Errorf("ftp: unknown data method %v", method)
	}
}

var pasvRe = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)
var epsvRe = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)

func pasv(ctx context.Context, conn *Connection, sendCommand func(string) (int, []string, error), useCommandAddress bool) error {
	code, lines, err := sendCommand("PASV")
	if err != nil {
		return err
	}
	if code != 227 {
		return newErr(KindNotSupported, "PASV not supported")
	}
	m := pasvRe.FindStringSubmatch(strings.Join(lines, " "))
	if m == nil {
		return newErr(KindFailed, "malformed PASV reply")
	}
	port := mustAtoi(m[5])*256 + mustAtoi(m[6])
	var host string
	if useCommandAddress {
		host = hostOf(conn.RemoteAddr())
	} else {
		host = fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	}
	return conn.OpenData(ctx, fmt.Sprintf("%s:%d", host, port))
}

func epsv(ctx context.Context, conn *Connection, sendCommand func(string) (int, []string, error)) error {
	code, lines, err := sendCommand("EPSV")
	if err != nil {
		return err
	}
	if code != 229 {
		return newErr(KindNotSupported, "EPSV not supported")
	}
	m := epsvRe.FindStringSubmatch(strings.Join(lines, " "))
	if m == nil {
		return newErr(KindFailed, "malformed EPSV reply")
	}
	port := mustAtoi(m[1])
	host := hostOf(conn.RemoteAddr())
	return conn.OpenData(ctx, fmt.Sprintf("%s:%d", host, port))
}

func portOrEprt(ctx context.Context, conn *Connection, sendCommand func(string) (int, []string, error), extended bool) error {
	addr, err := conn.ListenData()
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port := mustAtoi(portStr)
	var cmd string
	if extended {
		family := "1"
		if strings.Contains(host, ":") {
			family = "2"
		}
		cmd = fmt.Sprintf("EPRT |%s|%s|%d|", family, host, port)
	} else {
		octets := strings.Split(host, ".")
		if len(octets) != 4 {
			return newErr(KindNotSupported, "PORT requires IPv4")
		}
		cmd = fmt.Sprintf("PORT %s,%s,%s,%s,%d,%d", octets[0], octets[1], octets[2], octets[3], port/256, port%256)
	}
	code, _, err := sendCommand(cmd)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return newErr(KindNotSupported, fmt.Sprintf("%s rejected", cmd))
	}
	return nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
