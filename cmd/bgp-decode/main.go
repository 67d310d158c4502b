package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/bgp-collector/internal/bgp"
	"github.com/route-beacon/bgp-collector/internal/bmp"
)

// bgp-decode consumes raw collector frames from Kafka and prints what the
// ingest pipeline would see. Useful when a router feed decodes strangely.
func main() {
	broker := "localhost:29092"
	topic := "gobmp.raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("bgp-decode-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))

			analyzeRecord(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeRecord(data []byte) {
	frame, err := bmp.DecodeFrame(data, 16*1024*1024)
	if err != nil {
		fmt.Printf("  DecodeFrame error: %v\n", err)
		return
	}
	fmt.Printf("  BMP payload: %d bytes\n", len(frame.BMPBytes))
	fmt.Printf("  Router IP: %q (hash %s)\n", frame.RouterIP, frame.RouterHash)

	msgs, err := bmp.Split(frame.BMPBytes)
	if err != nil {
		fmt.Printf("  Split error: %v\n", err)
	}
	fmt.Printf("  BMP messages in payload: %d\n", len(msgs))

	for i, raw := range msgs {
		fmt.Printf("\n  --- BMP msg %d ---\n", i)
		msg, err := bmp.Parse(raw)
		if err != nil {
			fmt.Printf("    Parse error: %v\n", err)
			continue
		}
		fmt.Printf("    MsgType: %d (%s)\n", msg.Type, bmpMsgName(msg.Type))

		if msg.Peer != nil {
			fmt.Printf("    Peer:    %s AS%d bgp_id=%s flags=0x%02x\n",
				msg.Peer.Addr, msg.Peer.ASN, msg.Peer.BGPID, msg.Peer.Flags)
		}

		if msg.Type != bmp.MsgTypeRouteMonitoring {
			continue
		}

		hdr, err := bgp.ParseHeader(msg.Payload)
		if err != nil {
			fmt.Printf("    ParseHeader error: %v\n", err)
			if len(msg.Payload) > 0 {
				fmt.Printf("    Payload hex: %s\n", hex.EncodeToString(msg.Payload[:min(48, len(msg.Payload))]))
			}
			continue
		}
		fmt.Printf("    BGP msg type: %d, length: %d\n", hdr.Type, hdr.Length)

		if hdr.Type != bgp.MsgTypeUpdate {
			continue
		}

		peer := &bgp.PeerRef{RouterIP: frame.RouterIP, PeerIP: msg.Peer.Addr, PeerASN: msg.Peer.ASN}
		parser := bgp.NewParser(printStore{}, peer, frame.RouterIP)
		if err := parser.HandleUpdate(context.Background(), msg.Payload); err != nil {
			fmt.Printf("    HandleUpdate error: %v\n", err)
			if hdr.Length > 19 && hdr.Length <= 80 {
				fmt.Printf("    Body hex: %s\n", hex.EncodeToString(msg.Payload[19:hdr.Length]))
			}
		}
	}
}

// printStore dumps what the pipeline would persist.
type printStore struct{}

func (printStore) StorePathAttributes(_ context.Context, _ *bgp.PeerRef, hashID []byte, attrs bgp.AttributeMap) error {
	fmt.Printf("    Attrs (path hash %x):\n", hashID)
	for code, attr := range attrs {
		fmt.Printf("      [%d] %s\n", code, attr.Value)
	}
	return nil
}

func (printStore) StoreAdvertisedPrefixes(_ context.Context, _ *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	for _, p := range prefixes {
		fmt.Printf("    Advertise %s\n", p.CIDR())
	}
	return nil
}

func (printStore) StoreWithdrawnPrefixes(_ context.Context, _ *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	for _, p := range prefixes {
		fmt.Printf("    Withdraw %s\n", p.CIDR())
	}
	return nil
}

func bmpMsgName(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "RouteMonitoring"
	case bmp.MsgTypeStatisticsReport:
		return "StatisticsReport"
	case bmp.MsgTypePeerDown:
		return "PeerDown"
	case bmp.MsgTypePeerUp:
		return "PeerUp"
	case bmp.MsgTypeInitiation:
		return "Initiation"
	case bmp.MsgTypeTermination:
		return "Termination"
	case bmp.MsgTypeRouteMirroring:
		return "RouteMirroring"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
