package ecfs

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// resolveSocket scans /proc/net/tcp then /proc/net/udp for a socket whose
// inode matches, filling in the protocol tag and host-byte-order address
// info. It mirrors fill_sock_info's two-table fallthrough: TCP is tried
// first, UDP only if TCP comes up empty.
func resolveSocket(tcp, udp io.Reader, inode uint64) (proto SocketProto, srcAddr uint32, srcPort uint16, dstAddr uint32, dstPort uint16, found bool) {
	if proto, srcAddr, srcPort, dstAddr, dstPort, found = scanNetTable(tcp, inode); found {
		return SocketTCP, srcAddr, srcPort, dstAddr, dstPort, true
	}
	if proto, srcAddr, srcPort, dstAddr, dstPort, found = scanNetTable(udp, inode); found {
		return SocketUDP, srcAddr, srcPort, dstAddr, dstPort, true
	}
	return SocketNone, 0, 0, 0, 0, false
}

// scanNetTable scans one /proc/net/{tcp,udp}-shaped stream for a row whose
// inode column matches. Columns (whitespace separated, header skipped):
//
//	sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode ...
//
// local_address/rem_address are "HEXADDR:HEXPORT" in host byte order.
func scanNetTable(r io.Reader, inode uint64) (proto SocketProto, srcAddr uint32, srcPort uint16, dstAddr uint32, dstPort uint16, found bool) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		local := fields[1]
		remote := fields[2]
		rowInodeStr := fields[9]
		rowInode, err := strconv.ParseUint(rowInodeStr, 10, 64)
		if err != nil || rowInode != inode {
			continue
		}
		a, p, ok := splitHexAddrPort(local)
		if !ok {
			continue
		}
		srcAddr, srcPort = a, p
		a, p, ok = splitHexAddrPort(remote)
		if !ok {
			continue
		}
		dstAddr, dstPort = a, p
		found = true
		return
	}
	return
}

func splitHexAddrPort(s string) (addr uint32, port uint16, ok bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return 0, 0, false
	}
	a, err := strconv.ParseUint(s[:colon], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(s[colon+1:], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint32(a), uint16(p), true
}

// socketInodeFromLink extracts the decimal inode out of an fd symlink
// target of the form "socket:[12345]".
func socketInodeFromLink(target string) (uint64, bool) {
	const prefix = "socket:["
	if !strings.HasPrefix(target, prefix) || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	inodeStr := target[len(prefix) : len(target)-1]
	inode, err := strconv.ParseUint(inodeStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
