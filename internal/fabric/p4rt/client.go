// Package p4rt programs a switch through its P4Runtime gRPC endpoint.
package p4rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/wudi/ppvctl/internal/fabric"
)

// Options configures a P4Runtime session.
type Options struct {
	DeviceID   uint64
	ElectionID uint64

	// P4InfoFile is read locally when set; otherwise the p4info is fetched
	// from the switch.
	P4InfoFile string
	// DeviceConfigFile, when set together with P4InfoFile, is pushed with
	// SetForwardingPipelineConfig before any table is written.
	DeviceConfigFile string

	// ArbitrationTimeout bounds the wait for the primary election reply.
	ArbitrationTimeout time.Duration

	Logger      *zap.Logger
	DialOptions []grpc.DialOption
}

// Client is a primary P4Runtime session with one device.
type Client struct {
	addr   string
	opts   Options
	logger *zap.Logger

	conn   *grpc.ClientConn
	client p4v1.P4RuntimeClient
	stream p4v1.P4Runtime_StreamChannelClient
	cancel context.CancelFunc

	arbitration chan *p4v1.MasterArbitrationUpdate
	schema      *schema

	mu sync.Mutex
	// direct meter -> table entries installed with it
	meterEntries map[string][]*p4v1.TableEntry
}

var _ fabric.Device = (*Client)(nil)

// Dial connects to addr, becomes primary for the device and resolves the
// pipeline schema.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ArbitrationTimeout <= 0 {
		opts.ArbitrationTimeout = 10 * time.Second
	}
	if opts.ElectionID == 0 {
		opts.ElectionID = 1
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts.DialOptions...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("p4runtime: creating client for %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:         addr,
		opts:         opts,
		logger:       opts.Logger.With(zap.String("p4runtime", addr)),
		conn:         conn,
		client:       p4v1.NewP4RuntimeClient(conn),
		cancel:       cancel,
		arbitration:  make(chan *p4v1.MasterArbitrationUpdate, 1),
		meterEntries: make(map[string][]*p4v1.TableEntry),
	}

	if err := c.arbitrate(ctx, streamCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.loadPipeline(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) electionID() *p4v1.Uint128 {
	return &p4v1.Uint128{High: 0, Low: c.opts.ElectionID}
}

// arbitrate opens the stream channel and waits until the device confirms
// this client as primary.
func (c *Client) arbitrate(ctx, streamCtx context.Context) error {
	stream, err := c.client.StreamChannel(streamCtx)
	if err != nil {
		return fmt.Errorf("p4runtime %s: opening stream channel: %w", c.addr, err)
	}
	c.stream = stream

	req := &p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   c.opts.DeviceID,
				ElectionId: c.electionID(),
			},
		},
	}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("p4runtime %s: sending arbitration: %w", c.addr, err)
	}
	go c.receive()

	timer := time.NewTimer(c.opts.ArbitrationTimeout)
	defer timer.Stop()
	select {
	case upd, ok := <-c.arbitration:
		if !ok {
			return fmt.Errorf("p4runtime %s: stream closed during arbitration", c.addr)
		}
		if code := codes.Code(upd.GetStatus().GetCode()); code != codes.OK {
			return fmt.Errorf("p4runtime %s: not primary for device %d: %s", c.addr, c.opts.DeviceID, code)
		}
		c.logger.Info("P4Runtime primary session established",
			zap.Uint64("device_id", c.opts.DeviceID),
			zap.Uint64("election_id", c.opts.ElectionID),
		)
		return nil
	case <-timer.C:
		return fmt.Errorf("p4runtime %s: no arbitration reply within %s", c.addr, c.opts.ArbitrationTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive drains the stream channel for the lifetime of the session.
func (c *Client) receive() {
	defer close(c.arbitration)
	for {
		msg, err := c.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				c.logger.Warn("P4Runtime stream closed", zap.Error(err))
			}
			return
		}
		switch u := msg.GetUpdate().(type) {
		case *p4v1.StreamMessageResponse_Arbitration:
			select {
			case c.arbitration <- u.Arbitration:
			default:
			}
		case *p4v1.StreamMessageResponse_Error:
			c.logger.Warn("P4Runtime stream error",
				zap.Int32("code", u.Error.GetCanonicalCode()),
				zap.String("message", u.Error.GetMessage()),
			)
		default:
			c.logger.Debug("Ignoring stream message", zap.String("type", fmt.Sprintf("%T", u)))
		}
	}
}

// loadPipeline resolves the p4info, pushing the forwarding pipeline first
// when a device config is configured.
func (c *Client) loadPipeline(ctx context.Context) error {
	var info *p4configv1.P4Info
	if c.opts.P4InfoFile != "" {
		var err error
		if info, err = LoadP4Info(c.opts.P4InfoFile); err != nil {
			return fmt.Errorf("p4runtime %s: %w", c.addr, err)
		}
		if c.opts.DeviceConfigFile != "" {
			if err := c.setPipeline(ctx, info); err != nil {
				return err
			}
		}
	} else {
		resp, err := c.client.GetForwardingPipelineConfig(ctx, &p4v1.GetForwardingPipelineConfigRequest{
			DeviceId:     c.opts.DeviceID,
			ResponseType: p4v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE,
		})
		if err != nil {
			return fmt.Errorf("p4runtime %s: fetching pipeline config: %w", c.addr, err)
		}
		info = resp.GetConfig().GetP4Info()
		if info == nil {
			return fmt.Errorf("p4runtime %s: device %d has no pipeline loaded", c.addr, c.opts.DeviceID)
		}
	}
	c.schema = newSchema(info)
	return nil
}

func (c *Client) setPipeline(ctx context.Context, info *p4configv1.P4Info) error {
	deviceConfig, err := os.ReadFile(c.opts.DeviceConfigFile)
	if err != nil {
		return fmt.Errorf("p4runtime %s: reading device config: %w", c.addr, err)
	}
	_, err = c.client.SetForwardingPipelineConfig(ctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   c.opts.DeviceID,
		ElectionId: c.electionID(),
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         info,
			P4DeviceConfig: deviceConfig,
		},
	})
	if err != nil {
		return fmt.Errorf("p4runtime %s: setting pipeline config: %w", c.addr, err)
	}
	c.logger.Info("Forwarding pipeline installed", zap.String("device_config", c.opts.DeviceConfigFile))
	return nil
}

// Close ends the stream and the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close()
}

// InstallRule inserts a table entry. An existing entry with the same key is
// modified when the rule allows overwriting.
func (c *Client) InstallRule(ctx context.Context, rule fabric.Rule) error {
	entry, err := c.tableEntry(rule)
	if err != nil {
		return fmt.Errorf("p4runtime %s: %w", c.addr, err)
	}
	err = c.write(ctx, p4v1.Update_INSERT, &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: entry}})
	if err != nil && rule.Overwrite && isAlreadyExists(err) {
		err = c.write(ctx, p4v1.Update_MODIFY, &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: entry}})
	}
	if err != nil {
		return fmt.Errorf("p4runtime %s: %s: %w", c.addr, rule.Table, err)
	}

	if rule.DirectMeter != "" {
		c.mu.Lock()
		c.meterEntries[rule.DirectMeter] = append(c.meterEntries[rule.DirectMeter], &p4v1.TableEntry{
			TableId: entry.GetTableId(),
			Match:   entry.GetMatch(),
		})
		c.mu.Unlock()
	}
	return nil
}

// SetMeterRates configures a two-rate meter: rates[0] is the committed
// bucket, rates[1] (if present) the peak bucket. Direct meters are set on
// each entry installed with them; indexed meters on every cell.
func (c *Client) SetMeterRates(ctx context.Context, meter string, rates []fabric.MeterRate) error {
	if len(rates) == 0 {
		return fmt.Errorf("p4runtime %s: meter %s: no rates", c.addr, meter)
	}
	peak := rates[0]
	if len(rates) > 1 {
		peak = rates[1]
	}
	cfg := &p4v1.MeterConfig{
		Cir:    int64(rates[0].Rate),
		Cburst: int64(rates[0].Burst),
		Pir:    int64(peak.Rate),
		Pburst: int64(peak.Burst),
	}

	c.mu.Lock()
	entries := append([]*p4v1.TableEntry(nil), c.meterEntries[meter]...)
	c.mu.Unlock()

	var updates []*p4v1.Entity
	switch {
	case len(entries) > 0:
		for _, te := range entries {
			updates = append(updates, &p4v1.Entity{Entity: &p4v1.Entity_DirectMeterEntry{
				DirectMeterEntry: &p4v1.DirectMeterEntry{TableEntry: te, Config: cfg},
			}})
		}
	case c.schema.meters[meter] != nil:
		m := c.schema.meters[meter]
		for i := int64(0); i < m.GetSize(); i++ {
			updates = append(updates, &p4v1.Entity{Entity: &p4v1.Entity_MeterEntry{
				MeterEntry: &p4v1.MeterEntry{
					MeterId: m.GetPreamble().GetId(),
					Index:   &p4v1.Index{Index: i},
					Config:  cfg,
				},
			}})
		}
	case c.schema.directMeters[meter] != nil:
		return fmt.Errorf("p4runtime %s: direct meter %s: no table entry installed with it", c.addr, meter)
	default:
		return fmt.Errorf("p4runtime %s: unknown meter %q", c.addr, meter)
	}

	if err := c.write(ctx, p4v1.Update_MODIFY, updates...); err != nil {
		return fmt.Errorf("p4runtime %s: meter %s: %w", c.addr, meter, err)
	}
	return nil
}

// ReadRegister reads one register cell.
func (c *Client) ReadRegister(ctx context.Context, name string, index int) (int64, error) {
	reg, err := c.schema.register(name)
	if err != nil {
		return 0, fmt.Errorf("p4runtime %s: %w", c.addr, err)
	}
	stream, err := c.client.Read(ctx, &p4v1.ReadRequest{
		DeviceId: c.opts.DeviceID,
		Entities: []*p4v1.Entity{{Entity: &p4v1.Entity_RegisterEntry{RegisterEntry: &p4v1.RegisterEntry{
			RegisterId: reg.GetPreamble().GetId(),
			Index:      &p4v1.Index{Index: int64(index)},
		}}}},
	})
	if err != nil {
		return 0, fmt.Errorf("p4runtime %s: reading %s[%d]: %w", c.addr, name, index, err)
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("p4runtime %s: reading %s[%d]: %w", c.addr, name, index, err)
		}
		for _, e := range resp.GetEntities() {
			if re := e.GetRegisterEntry(); re != nil && re.GetIndex().GetIndex() == int64(index) {
				return bytesToInt(re.GetData().GetBitstring()), nil
			}
		}
	}
	return 0, fmt.Errorf("p4runtime %s: reading %s[%d]: no data returned", c.addr, name, index)
}

// WriteRegister writes one register cell.
func (c *Client) WriteRegister(ctx context.Context, name string, index int, value int64) error {
	reg, err := c.schema.register(name)
	if err != nil {
		return fmt.Errorf("p4runtime %s: %w", c.addr, err)
	}
	entity := &p4v1.Entity{Entity: &p4v1.Entity_RegisterEntry{RegisterEntry: &p4v1.RegisterEntry{
		RegisterId: reg.GetPreamble().GetId(),
		Index:      &p4v1.Index{Index: int64(index)},
		Data:       &p4v1.P4Data{Data: &p4v1.P4Data_Bitstring{Bitstring: intToBytes(value)}},
	}}}
	if err := c.write(ctx, p4v1.Update_MODIFY, entity); err != nil {
		return fmt.Errorf("p4runtime %s: writing %s[%d]: %w", c.addr, name, index, err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, typ p4v1.Update_Type, entities ...*p4v1.Entity) error {
	req := &p4v1.WriteRequest{
		DeviceId:   c.opts.DeviceID,
		ElectionId: c.electionID(),
	}
	for _, e := range entities {
		req.Updates = append(req.Updates, &p4v1.Update{Type: typ, Entity: e})
	}
	_, err := c.client.Write(ctx, req)
	return err
}

// tableEntry translates a rule into a P4Runtime table entry. Match fields are
// positional against the table's key.
func (c *Client) tableEntry(rule fabric.Rule) (*p4v1.TableEntry, error) {
	table, err := c.schema.table(rule.Table)
	if err != nil {
		return nil, err
	}
	action, err := c.schema.action(rule.Action)
	if err != nil {
		return nil, err
	}
	fields := table.GetMatchFields()
	if len(rule.Match) != len(fields) {
		return nil, fmt.Errorf("table %s takes %d match fields, got %d", rule.Table, len(fields), len(rule.Match))
	}
	params := action.GetParams()
	if len(rule.Params) != len(params) {
		return nil, fmt.Errorf("action %s takes %d params, got %d", rule.Action, len(params), len(rule.Params))
	}

	entry := &p4v1.TableEntry{TableId: table.GetPreamble().GetId()}
	for i, m := range rule.Match {
		fm := &p4v1.FieldMatch{FieldId: fields[i].GetId()}
		switch m.Kind {
		case fabric.MatchLPM:
			// A zero-length prefix is a wildcard and is omitted.
			if m.PrefixLen == 0 {
				continue
			}
			fm.FieldMatchType = &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{
				Value:     canonical(m.Value),
				PrefixLen: int32(m.PrefixLen),
			}}
		default:
			fm.FieldMatchType = &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: canonical(m.Value)}}
		}
		entry.Match = append(entry.Match, fm)
	}

	act := &p4v1.Action{ActionId: action.GetPreamble().GetId()}
	for i, p := range rule.Params {
		act.Params = append(act.Params, &p4v1.Action_Param{ParamId: params[i].GetId(), Value: canonical(p)})
	}
	entry.Action = &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: act}}
	return entry, nil
}

// isAlreadyExists reports whether a write failed because the entry exists.
// bmv2 reports per-update errors as p4.v1.Error status details.
func isAlreadyExists(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	if st.Code() == codes.AlreadyExists {
		return true
	}
	for _, d := range st.Details() {
		if pe, ok := d.(*p4v1.Error); ok && codes.Code(pe.GetCanonicalCode()) == codes.AlreadyExists {
			return true
		}
	}
	return false
}
