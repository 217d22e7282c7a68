// Package tracker implements the external TrackerClient collaborator:
// an HTTP or UDP announce that returns a peer list and a refresh
// interval. Query retries each announce URL with exponential backoff;
// when every URL fails it reports TrackerUnavailable, and the caller
// tries again on its own schedule.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackpal/bencode-go"

	"gotorrent/internal/xerr"
)

// PeerAddr is a compact peer address as returned by a tracker.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Response is what a successful announce yields.
type Response struct {
	Interval int
	Seeders  int
	Leechers int
	Peers    []PeerAddr
}

// Stats describes the client's current upload/download/left counters,
// sent on every announce.
type Stats struct {
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
}

// Client announces to one or more trackers for a single torrent.
type Client struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	ListenPort uint16
	Announce   string
	Fallback   []string // extra announce URLs (announce-list, or well-known public trackers)
}

type httpTrackerResp struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Query performs one announce, trying the primary announce URL first
// and falling back to the configured alternates, each wrapped in an
// exponential backoff of up to three attempts. All failing is reported
// as a TrackerUnavailable error; the caller is expected to retry at the
// previous interval rather than treat this as fatal.
func (c *Client) Query(ctx context.Context, stats Stats) (*Response, error) {
	urls := c.candidateURLs()
	if len(urls) == 0 {
		return nil, xerr.New(xerr.ConfigInvalid, "no tracker announce URL configured")
	}

	var lastErr error
	for _, u := range urls {
		resp, err := c.queryOneWithRetry(ctx, u, stats)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, xerr.Wrap(xerr.TrackerUnavailable, "all trackers failed", lastErr)
}

func (c *Client) candidateURLs() []string {
	seen := map[string]struct{}{}
	var urls []string

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(c.Announce)
	for _, u := range c.Fallback {
		add(u)
	}

	return urls
}

func (c *Client) queryOneWithRetry(ctx context.Context, announceURL string, stats Stats) (*Response, error) {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	bo = backoff.WithContext(bo, ctx)

	var resp *Response
	op := func() error {
		var err error
		if isUDP(announceURL) {
			resp, err = c.queryUDP(ctx, announceURL, stats)
		} else {
			resp, err = c.queryHTTP(ctx, announceURL, stats)
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) queryHTTP(ctx context.Context, announceURL string, stats Stats) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: bad url %q: %w", announceURL, err)
	}

	params := url.Values{}
	params.Set("info_hash", string(c.InfoHash[:]))
	params.Set("peer_id", string(c.PeerID[:]))
	params.Set("port", strconv.Itoa(int(c.ListenPort)))
	params.Set("uploaded", strconv.FormatUint(stats.Uploaded, 10))
	params.Set("downloaded", strconv.FormatUint(stats.Downloaded, 10))
	params.Set("left", strconv.FormatUint(stats.Left, 10))
	params.Set("compact", "1")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "gotorrent/1.0")

	client := &http.Client{Timeout: 15 * time.Second}
	httpResp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: http status %d", httpResp.StatusCode)
	}

	var tr httpTrackerResp
	if err := bencode.Unmarshal(httpResp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker: failure reason %q", tr.Failure)
	}

	peers, err := decodeCompactPeers([]byte(tr.Peers))
	if err != nil {
		return nil, err
	}

	return &Response{Interval: tr.Interval, Peers: peers}, nil
}

const (
	udpProtocolID  uint64 = 0x41727101980
	udpActionConn  uint32 = 0
	udpActionAnn   uint32 = 1
	udpActionError uint32 = 3
)

func (c *Client) queryUDP(ctx context.Context, announceURL string, stats Stats) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: bad url %q: %w", announceURL, err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving %q: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %q: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	conn.SetDeadline(deadline)

	txID := mrand.Uint32()

	connReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connReq[8:12], udpActionConn)
	binary.BigEndian.PutUint32(connReq[12:16], txID)

	if _, err := conn.Write(connReq); err != nil {
		return nil, fmt.Errorf("tracker: sending connect: %w", err)
	}

	connResp := make([]byte, 16)
	n, err := conn.Read(connResp)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading connect response: %w", err)
	}
	if n < 16 {
		return nil, fmt.Errorf("tracker: short connect response (%d bytes)", n)
	}
	if binary.BigEndian.Uint32(connResp[0:4]) != udpActionConn {
		return nil, fmt.Errorf("tracker: unexpected connect action")
	}
	if binary.BigEndian.Uint32(connResp[4:8]) != txID {
		return nil, fmt.Errorf("tracker: connect transaction id mismatch")
	}
	connectionID := binary.BigEndian.Uint64(connResp[8:16])

	annReq := make([]byte, 98)
	binary.BigEndian.PutUint64(annReq[0:8], connectionID)
	binary.BigEndian.PutUint32(annReq[8:12], udpActionAnn)
	binary.BigEndian.PutUint32(annReq[12:16], txID)
	copy(annReq[16:36], c.InfoHash[:])
	copy(annReq[36:56], c.PeerID[:])
	binary.BigEndian.PutUint64(annReq[56:64], stats.Downloaded)
	binary.BigEndian.PutUint64(annReq[64:72], stats.Left)
	binary.BigEndian.PutUint64(annReq[72:80], stats.Uploaded)
	binary.BigEndian.PutUint32(annReq[80:84], 2) // event=started
	binary.BigEndian.PutUint32(annReq[92:96], ^uint32(0))
	binary.BigEndian.PutUint16(annReq[96:98], c.ListenPort)

	if _, err := conn.Write(annReq); err != nil {
		return nil, fmt.Errorf("tracker: sending announce: %w", err)
	}

	annResp := make([]byte, 2048)
	n, err = conn.Read(annResp)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: short announce response (%d bytes)", n)
	}

	action := binary.BigEndian.Uint32(annResp[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker: error %q", string(annResp[8:n]))
	}
	if action != udpActionAnn {
		return nil, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(annResp[4:8]) != txID {
		return nil, fmt.Errorf("tracker: announce transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(annResp[8:12]))
	leechers := int(binary.BigEndian.Uint32(annResp[12:16]))
	seeders := int(binary.BigEndian.Uint32(annResp[16:20]))

	peers, err := decodeCompactPeers(annResp[20:n])
	if err != nil {
		return nil, err
	}

	return &Response{Interval: interval, Seeders: seeders, Leechers: leechers, Peers: peers}, nil
}

func decodeCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d not a multiple of 6", len(raw))
	}

	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}

	return peers, nil
}

func isUDP(u string) bool { return strings.HasPrefix(u, "udp://") }

// PublicFallbacks is a small set of well-known public UDP trackers
// used to supplement a torrent's own announce-list, matching the
// teacher's behavior of treating tracker discovery as best-effort.
var PublicFallbacks = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
}
