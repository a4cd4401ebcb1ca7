package ecfs

import (
	"strings"
	"testing"
)

const fakeNetTCP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 24601 1 0000000000000000 100 0 0 10 0
   1: 0100007F:0050 0201A8C0:C350 01 00000000:00000000 00:00000000 00000000     0        0 24602 1 0000000000000000 100 0 0 10 0
`

const fakeNetUDP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 24699 2 0000000000000000 0
`

func TestScanNetTableFindsByInode(t *testing.T) {
	proto, srcAddr, srcPort, dstAddr, dstPort, found := scanNetTable(strings.NewReader(fakeNetTCP), 24602)
	if !found {
		t.Fatal("expected to find inode 24602")
	}
	_ = proto
	if srcAddr != 0x0100007f {
		t.Errorf("srcAddr = %#x, want 0x0100007f", srcAddr)
	}
	if srcPort != 0x0050 {
		t.Errorf("srcPort = %#x, want 0x0050", srcPort)
	}
	if dstAddr != 0x0201a8c0 {
		t.Errorf("dstAddr = %#x, want 0x0201a8c0", dstAddr)
	}
	if dstPort != 0xc350 {
		t.Errorf("dstPort = %#x, want 0xc350", dstPort)
	}
}

func TestScanNetTableNotFound(t *testing.T) {
	_, _, _, _, _, found := scanNetTable(strings.NewReader(fakeNetTCP), 99999)
	if found {
		t.Error("scanNetTable found an inode that isn't present")
	}
}

func TestResolveSocketFallsThroughToUDP(t *testing.T) {
	proto, _, srcPort, _, _, found := resolveSocket(strings.NewReader(fakeNetTCP), strings.NewReader(fakeNetUDP), 24699)
	if !found {
		t.Fatal("expected to find UDP inode 24699")
	}
	if proto != SocketUDP {
		t.Errorf("proto = %v, want SocketUDP", proto)
	}
	if srcPort != 0x0035 {
		t.Errorf("srcPort = %#x, want 0x0035", srcPort)
	}
}

func TestResolveSocketPrefersTCP(t *testing.T) {
	proto, _, _, _, _, found := resolveSocket(strings.NewReader(fakeNetTCP), strings.NewReader(fakeNetUDP), 24601)
	if !found {
		t.Fatal("expected to find TCP inode 24601")
	}
	if proto != SocketTCP {
		t.Errorf("proto = %v, want SocketTCP", proto)
	}
}

func TestSocketInodeFromLink(t *testing.T) {
	inode, ok := socketInodeFromLink("socket:[24601]")
	if !ok || inode != 24601 {
		t.Errorf("socketInodeFromLink = (%d, %v), want (24601, true)", inode, ok)
	}
	if _, ok := socketInodeFromLink("/dev/pts/3"); ok {
		t.Error("socketInodeFromLink matched a non-socket link")
	}
}

func TestSplitHexAddrPort(t *testing.T) {
	addr, port, ok := splitHexAddrPort("0100007F:1F90")
	if !ok || addr != 0x0100007f || port != 0x1f90 {
		t.Errorf("splitHexAddrPort = (%#x, %#x, %v), want (0x100007f, 0x1f90, true)", addr, port, ok)
	}
	if _, _, ok := splitHexAddrPort("no-colon-here"); ok {
		t.Error("splitHexAddrPort accepted a string with no colon")
	}
}
