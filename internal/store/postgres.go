package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/bgp-collector/internal/bgp"
	"github.com/route-beacon/bgp-collector/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Postgres persists decoded BGP data on a pgx pool. It satisfies bgp.Store
// for the per-session parsers and additionally records the peer table and
// peer up/down events for the ingestion pipeline.
type Postgres struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	storeRaw    bool
	compressRaw bool
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger, storeRaw, compressRaw bool) *Postgres {
	return &Postgres{
		pool:        pool,
		logger:      logger,
		storeRaw:    storeRaw,
		compressRaw: compressRaw,
	}
}

// StorePathAttributes upserts one attribute set keyed by (peer, path hash).
// Known attributes land in typed columns; unrecognized type codes are kept
// as a code→hex JSON object so their presence survives into storage.
func (s *Postgres) StorePathAttributes(ctx context.Context, peer *bgp.PeerRef, hashID []byte, attrs bgp.AttributeMap) error {
	start := time.Now()

	unknown := make(map[string]string)
	for code, attr := range attrs {
		switch code {
		case bgp.AttrTypeOrigin, bgp.AttrTypeASPath, bgp.AttrTypeNextHop,
			bgp.AttrTypeMED, bgp.AttrTypeLocalPref, bgp.AttrTypeAtomicAggregate,
			bgp.AttrTypeAggregator, bgp.AttrTypeCommunity, bgp.AttrTypeExtCommunity,
			bgp.AttrTypeLargeCommunity, bgp.AttrTypeMPReachNLRI, bgp.AttrTypeMPUnreachNLRI:
		default:
			unknown[fmt.Sprintf("%d", code)] = hex.EncodeToString(attr.Raw)
		}
	}

	var unknownJSON []byte
	if len(unknown) > 0 {
		var err error
		unknownJSON, err = json.Marshal(unknown)
		if err != nil {
			return fmt.Errorf("marshal unknown attrs: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO path_attrs (peer_hash_id, hash_id, origin, as_path, next_hop,
			med, local_pref, aggregator, communities_std, communities_ext,
			communities_large, unknown_attrs, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET last_seen = now()`,
		peer.HashID, hashID,
		attrValue(attrs, bgp.AttrTypeOrigin), attrValue(attrs, bgp.AttrTypeASPath),
		attrValue(attrs, bgp.AttrTypeNextHop), attrValue(attrs, bgp.AttrTypeMED),
		attrValue(attrs, bgp.AttrTypeLocalPref), attrValue(attrs, bgp.AttrTypeAggregator),
		attrValue(attrs, bgp.AttrTypeCommunity), attrValue(attrs, bgp.AttrTypeExtCommunity),
		attrValue(attrs, bgp.AttrTypeLargeCommunity), unknownJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert path_attrs: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("path_attrs").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("path_attrs", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// StoreAdvertisedPrefixes upserts each prefix into the rib and appends an
// advertisement row to the prefix log, all in one transaction.
func (s *Postgres) StoreAdvertisedPrefixes(ctx context.Context, peer *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	return s.storePrefixes(ctx, peer, prefixes, "A")
}

// StoreWithdrawnPrefixes marks each prefix withdrawn in the rib and appends
// a withdrawal row to the prefix log.
func (s *Postgres) StoreWithdrawnPrefixes(ctx context.Context, peer *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	return s.storePrefixes(ctx, peer, prefixes, "W")
}

func (s *Postgres) storePrefixes(ctx context.Context, peer *bgp.PeerRef, prefixes []bgp.PrefixTuple, action string) error {
	if len(prefixes) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var affected int64
	for _, p := range prefixes {
		var n int64
		if action == "A" {
			n, err = s.upsertRIB(ctx, tx, peer, p)
		} else {
			n, err = s.withdrawRIB(ctx, tx, peer, p)
		}
		if err != nil {
			return err
		}
		affected += n

		if _, err := tx.Exec(ctx, `
			INSERT INTO prefix_log (peer_hash_id, afi, prefix, action, path_attr_hash_id, log_time)
			VALUES ($1, $2, $3, $4, $5, now())`,
			peer.HashID, p.AFI, p.CIDR(), action, nilIfEmptyBytes(p.PathHashID),
		); err != nil {
			return fmt.Errorf("insert prefix_log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	op := "advertise"
	if action == "W" {
		op = "withdraw"
	}
	metrics.DBWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("rib", op).Add(float64(affected))
	metrics.PrefixesTotal.WithLabelValues(op).Add(float64(len(prefixes)))
	return nil
}

func (s *Postgres) upsertRIB(ctx context.Context, tx pgx.Tx, peer *bgp.PeerRef, p bgp.PrefixTuple) (int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO rib (peer_hash_id, afi, prefix, path_attr_hash_id, is_withdrawn, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, false, now(), now())
		ON CONFLICT (peer_hash_id, afi, prefix) DO UPDATE SET
			path_attr_hash_id = EXCLUDED.path_attr_hash_id,
			is_withdrawn = false,
			last_seen = now()`,
		peer.HashID, p.AFI, p.CIDR(), nilIfEmptyBytes(p.PathHashID),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert rib: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) withdrawRIB(ctx context.Context, tx pgx.Tx, peer *bgp.PeerRef, p bgp.PrefixTuple) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE rib SET is_withdrawn = true, last_seen = now()
		WHERE peer_hash_id = $1 AND afi = $2 AND prefix = $3`,
		peer.HashID, p.AFI, p.CIDR(),
	)
	if err != nil {
		return 0, fmt.Errorf("withdraw rib: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertPeer inserts or refreshes a peer table entry.
func (s *Postgres) UpsertPeer(ctx context.Context, peer *bgp.PeerRef, state string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bgp_peers (hash_id, router_ip, peer_ip, peer_asn, bgp_id, state, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (hash_id) DO UPDATE SET
			peer_asn = EXCLUDED.peer_asn,
			bgp_id   = EXCLUDED.bgp_id,
			state    = EXCLUDED.state,
			last_seen = now()`,
		peer.HashID, peer.RouterIP, peer.PeerIP, int64(peer.PeerASN), nilIfEmpty(peer.BGPID), state,
	)
	if err != nil {
		return fmt.Errorf("upsert bgp_peers: %w", err)
	}
	return nil
}

// RecordPeerUp stores a peer up event alongside the refreshed peer entry.
func (s *Postgres) RecordPeerUp(ctx context.Context, peer *bgp.PeerRef, ev *bgp.PeerUpEvent, raw []byte) error {
	info, err := json.Marshal(map[string]any{
		"local_addr":  ev.LocalAddr,
		"local_port":  ev.LocalPort,
		"remote_port": ev.RemotePort,
		"local_asn":   ev.Sent.ASN,
		"remote_asn":  ev.Recv.ASN,
		"remote_bgp_id": ev.Recv.BGPID,
		"hold_time":   ev.Recv.HoldTime,
		"four_byte_asn": ev.Sent.FourByteASN && ev.Recv.FourByteASN,
	})
	if err != nil {
		return fmt.Errorf("marshal peer up info: %w", err)
	}
	return s.insertPeerEvent(ctx, peer, "up", info, raw)
}

// RecordPeerDown stores a peer down event and flips the peer entry state.
// The decision to persist a down event sits here, not in the parser: the
// session layer owns teardown.
func (s *Postgres) RecordPeerDown(ctx context.Context, peer *bgp.PeerRef, ev *bgp.PeerDownEvent, raw []byte) error {
	var info []byte
	if ev != nil {
		var err error
		info, err = json.Marshal(map[string]any{
			"code":    ev.Code,
			"subcode": ev.Subcode,
			"reason":  ev.Reason(),
			"data":    hex.EncodeToString(ev.Data),
		})
		if err != nil {
			return fmt.Errorf("marshal peer down info: %w", err)
		}
	}

	if err := s.insertPeerEvent(ctx, peer, "down", info, raw); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE bgp_peers SET state = 'down', last_seen = now() WHERE hash_id = $1`,
		peer.HashID,
	); err != nil {
		return fmt.Errorf("mark peer down: %w", err)
	}
	return nil
}

func (s *Postgres) insertPeerEvent(ctx context.Context, peer *bgp.PeerRef, eventType string, info, raw []byte) error {
	start := time.Now()

	var rawBytes []byte
	if s.storeRaw && raw != nil {
		if s.compressRaw {
			rawBytes = zstdEncoder.EncodeAll(raw, nil)
		} else {
			rawBytes = raw
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO peer_events (peer_hash_id, event_type, info, raw_message, event_time)
		VALUES ($1, $2, $3, $4, now())`,
		peer.HashID, eventType, info, rawBytes,
	)
	if err != nil {
		return fmt.Errorf("insert peer_events: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("peer_event").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("peer_events", "insert").Add(1)
	return nil
}

// Ping exposes the pool health check for the HTTP readiness probe.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func attrValue(attrs bgp.AttributeMap, code uint8) any {
	attr, ok := attrs[code]
	if !ok || attr.Value == "" {
		return nil
	}
	return attr.Value
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
