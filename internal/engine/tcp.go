package engine

import (
	"context"
	"encoding/binary"

	"github.com/liseipi/SecureProxy-android/internal/codec"
	"github.com/liseipi/SecureProxy-android/internal/cryptoutil"
	"github.com/liseipi/SecureProxy-android/internal/flowtable"
)

// handleTCP drives the TCP state machine per spec.md §4.5's transition
// table: new flows are opened on a bare SYN, everything else is dispatched
// against the existing flow (or answered with an RST if there is none).
func (e *Engine) handleTCP(ipH codec.IPv4Header, payload []byte) {
	tcpH, tcpPayload, err := codec.ParseTCP(payload)
	if err != nil {
		e.log.Printf("tcp parse error: %v", err)
		return
	}

	key := flowtable.Key{ClientSrcPort: tcpH.SrcPort, DstIP: dotted(ipH.Dst), DstPort: tcpH.DstPort}
	flow, ok := e.flows.Get(key)
	if !ok {
		if tcpH.HasFlag(codec.FlagSYN) && !tcpH.HasFlag(codec.FlagACK) {
			e.openFlow(key, ipH, tcpH)
			return
		}
		e.emitRST(ipH, tcpH)
		return
	}

	switch {
	case tcpH.HasFlag(codec.FlagRST):
		e.flows.Delete(key)
		flow.Destroy(false, e.releaseSession)

	case tcpH.HasFlag(codec.FlagFIN):
		e.closeFlowFromDevice(key, flow, ipH, tcpH)

	case flow.State() == flowtable.FlowSynReceived && tcpH.HasFlag(codec.FlagACK) && len(tcpPayload) == 0:
		flow.SetState(flowtable.FlowEstablished)

	case flow.State() == flowtable.FlowEstablished && len(tcpPayload) > 0:
		e.forwardDeviceToPeer(key, flow, ipH, tcpH, tcpPayload)

	default:
		// Duplicate ACK, keepalive, or a segment that doesn't advance the
		// state machine: no reply required.
	}
}

// openFlow handles "SYN, no ACK, no flow for key": acquire a session,
// CONNECT, and on success answer with our own SYN-ACK.
func (e *Engine) openFlow(key flowtable.Key, ipH codec.IPv4Header, tcpH codec.TCPHeader) {
	sess, err := e.pool.Acquire(e.rootCtx)
	if err != nil {
		e.log.Printf("acquire session for %s:%d: %v", key.DstIP, key.DstPort, err)
		e.emitRST(ipH, tcpH)
		return
	}

	if err := sess.SendConnect(key.DstIP, int(key.DstPort)); err != nil {
		e.log.Printf("connect %s:%d: %v", key.DstIP, key.DstPort, err)
		e.pool.Drop(sess)
		e.emitRST(ipH, tcpH)
		return
	}

	var isnBytes [4]byte
	if _, err := cryptoutil.RandomBytes(isnBytes[:]); err != nil {
		e.log.Printf("isn: %v", err)
		e.pool.Drop(sess)
		e.emitRST(ipH, tcpH)
		return
	}
	isn := binary.BigEndian.Uint32(isnBytes[:])

	flow, loaded := e.flows.LoadOrStore(key, func() *flowtable.TcpFlow {
		return flowtable.New(key, sess, ipH.Src, ipH.Dst, tcpH.Seq, isn)
	})
	if loaded {
		// Lost the race to a concurrent SYN for the same key; our session
		// is now superfluous.
		e.pool.Drop(sess)
		return
	}

	synAck := codec.EmitTCP(ipH.Dst, ipH.Src, codec.TCPSegment{
		SrcPort: key.DstPort,
		DstPort: key.ClientSrcPort,
		Seq:     isn,
		Ack:     tcpH.Seq + 1,
		Flags:   codec.FlagSYN | codec.FlagACK,
	})
	e.writePacket(synAck)

	ctx, cancel := context.WithCancel(e.rootCtx)
	flow.SetPeerCancel(cancel)
	go e.forwardPeerToDevice(ctx, key)
}

// forwardDeviceToPeer is "payload P, state=Established": push P through the
// session and ack it, or RST the flow if the send fails.
func (e *Engine) forwardDeviceToPeer(key flowtable.Key, flow *flowtable.TcpFlow, ipH codec.IPv4Header, tcpH codec.TCPHeader, payload []byte) {
	if err := flow.Session.Send(payload); err != nil {
		e.log.Printf("flow %s:%d send: %v", key.DstIP, key.DstPort, err)
		e.flows.Delete(key)
		flow.Destroy(false, e.releaseSession)
		e.emitRST(ipH, tcpH)
		return
	}

	ack := flow.AdvanceClientSeq(len(payload))
	seq := flow.ServerSeq()
	reply := codec.EmitTCP(ipH.Dst, ipH.Src, codec.TCPSegment{
		SrcPort: key.DstPort,
		DstPort: key.ClientSrcPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   codec.FlagACK,
	})
	e.writePacket(reply)
}

// closeFlowFromDevice is the "FIN" row: ack the FIN, emit our own FIN+ACK,
// release the session and drop the flow.
func (e *Engine) closeFlowFromDevice(key flowtable.Key, flow *flowtable.TcpFlow, ipH codec.IPv4Header, tcpH codec.TCPHeader) {
	flow.SetState(flowtable.FlowCloseWait)
	ack := codec.EmitTCP(ipH.Dst, ipH.Src, codec.TCPSegment{
		SrcPort: key.DstPort,
		DstPort: key.ClientSrcPort,
		Seq:     flow.ServerSeq(),
		Ack:     tcpH.Seq + 1,
		Flags:   codec.FlagACK,
	})
	e.writePacket(ack)

	flow.SetState(flowtable.FlowLastAck)
	finAck := codec.EmitTCP(ipH.Dst, ipH.Src, codec.TCPSegment{
		SrcPort: key.DstPort,
		DstPort: key.ClientSrcPort,
		Seq:     flow.NextServerSeq(1),
		Ack:     tcpH.Seq + 1,
		Flags:   codec.FlagFIN | codec.FlagACK,
	})
	e.writePacket(finAck)

	e.flows.Delete(key)
	flow.Destroy(true, e.releaseSession)
}

// emitRST answers an unknown-flow segment, or a failed CONNECT, with a bare
// RST toward the device (spec.md §4.5's last two rows).
func (e *Engine) emitRST(ipH codec.IPv4Header, tcpH codec.TCPHeader) {
	rst := codec.EmitTCP(ipH.Dst, ipH.Src, codec.TCPSegment{
		SrcPort: tcpH.DstPort,
		DstPort: tcpH.SrcPort,
		Seq:     tcpH.Ack,
		Ack:     tcpH.Seq,
		Flags:   codec.FlagRST,
	})
	e.writePacket(rst)
}

// forwardPeerToDevice is the per-flow peer->device forwarder task started
// by openFlow. It looks the flow up by key on every iteration rather than
// closing over the *TcpFlow directly, so the task never holds a strong
// back-reference into the flow it serves (spec.md §9's cyclic-ownership
// note).
func (e *Engine) forwardPeerToDevice(ctx context.Context, key flowtable.Key) {
	for {
		flow, ok := e.flows.Get(key)
		if !ok || !flow.IsAlive() {
			return
		}

		data, err := flow.Session.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Printf("flow %s:%d recv: %v", key.DstIP, key.DstPort, err)
			if flow, ok := e.flows.Get(key); ok {
				e.flows.Delete(key)
				flow.Destroy(false, e.releaseSession)
			}
			return
		}

		flow, ok = e.flows.Get(key)
		if !ok || !flow.IsAlive() {
			return
		}

		if len(data) == 0 {
			// Zero-length peer read: peer EOF (spec.md §4.5 edge case),
			// close gracefully from our side.
			fin := codec.EmitTCP(flow.DstIP, flow.SrcIP, codec.TCPSegment{
				SrcPort: key.DstPort,
				DstPort: key.ClientSrcPort,
				Seq:     flow.NextServerSeq(1),
				Ack:     flow.ClientSeq(),
				Flags:   codec.FlagFIN | codec.FlagACK,
			})
			e.writePacket(fin)
			e.flows.Delete(key)
			flow.Destroy(true, e.releaseSession)
			return
		}

		seq := flow.NextServerSeq(len(data))
		ack := flow.ClientSeq()
		pkt := codec.EmitTCP(flow.DstIP, flow.SrcIP, codec.TCPSegment{
			SrcPort: key.DstPort,
			DstPort: key.ClientSrcPort,
			Seq:     seq,
			Ack:     ack,
			Flags:   codec.FlagPSH | codec.FlagACK,
			Payload: data,
		})
		e.writePacket(pkt)
	}
}
