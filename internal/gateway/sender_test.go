package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/duplexgw/gatewayd/internal/audio"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/duplexgw/gatewayd/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestSenderClient(t *testing.T) (*registry.LogicalClient, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	reg := registry.NewRegistry(audio.NewVoiceActivityDetector, 50)
	res := reg.Observe(conn.LocalAddr().(*net.UDPAddr), time.Now())
	return res.Client, conn
}

func TestSendChunkDeliversAllFragmentsInOrder(t *testing.T) {
	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer recvConn.Close()

	sendConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer sendConn.Close()

	reg := registry.NewRegistry(audio.NewVoiceActivityDetector, 50)
	res := reg.Observe(recvConn.LocalAddr().(*net.UDPAddr), time.Now())

	s := newSender(sendConn, 10000, nil)
	mp3 := make([]byte, wire.FragmentPayloadBudget*3+10)
	for i := range mp3 {
		mp3[i] = byte(i % 256)
	}

	err = s.SendChunk(context.Background(), res.Client, 1, mp3)
	require.NoError(t, err)

	buf := make([]byte, wire.MaxDatagramBytes+64)
	_ = recvConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotFragments int
	for {
		n, _, err := recvConn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		kind, payload, err := wire.Decode(buf[:n])
		require.NoError(t, err)
		require.Equal(t, wire.CompressionTTSMP3Fragment, kind)
		var hdr wire.FragmentHeader
		require.NoError(t, hdr.UnmarshalBinary(payload))
		require.Equal(t, uint16(gotFragments), hdr.FragmentIndex)
		gotFragments++
		if gotFragments == 4 {
			break
		}
	}
	require.Equal(t, 4, gotFragments)
}

func TestSendChunkAbortsOnInterruption(t *testing.T) {
	client, conn := newTestSenderClient(t)
	defer conn.Close()

	sendConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer sendConn.Close()

	client.Interrupted.Store(true)
	s := newSender(sendConn, 1000, nil)
	mp3 := make([]byte, wire.FragmentPayloadBudget*2)

	err = s.SendChunk(context.Background(), client, 1, mp3)
	require.ErrorIs(t, err, ErrInterrupted)
}

func TestSendChunkNoopOnEmptyPayload(t *testing.T) {
	client, conn := newTestSenderClient(t)
	defer conn.Close()

	sendConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer sendConn.Close()

	s := newSender(sendConn, 1000, nil)
	require.NoError(t, s.SendChunk(context.Background(), client, 1, nil))
}
