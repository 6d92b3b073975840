// Package thrift talks to the bmv2 runtime ("standard" service) over Thrift
// without generated stubs: calls are written and read directly on a
// TProtocol.
package thrift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/wudi/ppvctl/internal/fabric"
)

// ServiceName is the multiplexed service name of the bmv2 runtime API.
const ServiceName = "standard"

// bmv2 BmMatchParamType values.
const (
	matchTypeExact int32 = 0
	matchTypeLPM   int32 = 1
)

// Client is a connection to one switch's Thrift runtime port. Calls are
// serialized on the single connection.
type Client struct {
	addr  string
	cxtID int32

	mu    sync.Mutex
	trans thrift.TTransport
	proto thrift.TProtocol
	seqID atomic.Int32

	// direct meter -> entries installed with it
	meterEntries map[string][]entryRef
}

type entryRef struct {
	table  string
	handle int64
}

var _ fabric.Device = (*Client)(nil)

// Dial opens a buffered binary-protocol connection to addr.
func Dial(_ context.Context, addr string, timeout time.Duration) (*Client, error) {
	conf := &thrift.TConfiguration{
		ConnectTimeout: timeout,
		SocketTimeout:  timeout,
	}
	sock := thrift.NewTSocketConf(addr, conf)
	trans := thrift.NewTBufferedTransport(sock, 8192)
	if err := trans.Open(); err != nil {
		return nil, fmt.Errorf("thrift: open %s: %w", addr, err)
	}
	return newClient(addr, trans, thrift.NewTBinaryProtocolConf(trans, conf)), nil
}

func newClient(addr string, trans thrift.TTransport, proto thrift.TProtocol) *Client {
	return &Client{
		addr:         addr,
		trans:        trans,
		proto:        proto,
		meterEntries: make(map[string][]entryRef),
	}
}

// Close closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trans.Close()
}

// InstallRule adds a match-table entry. A duplicate key on an Overwrite rule
// is resolved by modifying the existing entry.
func (c *Client) InstallRule(ctx context.Context, rule fabric.Rule) error {
	handle, err := c.addEntry(ctx, rule)
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Code == TableDuplicateEntry && rule.Overwrite {
		handle, err = c.entryHandle(ctx, rule)
		if err == nil {
			err = c.modifyEntry(ctx, rule, handle)
		}
	}
	if err != nil {
		return fmt.Errorf("thrift %s: %w", c.addr, err)
	}

	if rule.DirectMeter != "" {
		c.mu.Lock()
		c.meterEntries[rule.DirectMeter] = append(c.meterEntries[rule.DirectMeter], entryRef{table: rule.Table, handle: handle})
		c.mu.Unlock()
	}
	return nil
}

// SetMeterRates configures a meter. Direct meters are set per installed
// entry; any other name is treated as a meter array.
func (c *Client) SetMeterRates(ctx context.Context, meter string, rates []fabric.MeterRate) error {
	c.mu.Lock()
	refs := append([]entryRef(nil), c.meterEntries[meter]...)
	c.mu.Unlock()

	if len(refs) == 0 {
		err := c.call(ctx, "bm_meter_array_set_rates", func(p thrift.TProtocol) error {
			if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
				return err
			}
			if err := writeStringField(ctx, p, 2, meter); err != nil {
				return err
			}
			return writeRatesField(ctx, p, 3, rates)
		}, nil)
		if err != nil {
			return fmt.Errorf("thrift %s: %w", c.addr, err)
		}
		return nil
	}

	for _, ref := range refs {
		err := c.call(ctx, "bm_mt_set_meter_rates", func(p thrift.TProtocol) error {
			if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
				return err
			}
			if err := writeStringField(ctx, p, 2, ref.table); err != nil {
				return err
			}
			if err := writeI64Field(ctx, p, 3, ref.handle); err != nil {
				return err
			}
			return writeRatesField(ctx, p, 4, rates)
		}, nil)
		if err != nil {
			return fmt.Errorf("thrift %s: %w", c.addr, err)
		}
	}
	return nil
}

// ReadRegister reads one register cell.
func (c *Client) ReadRegister(ctx context.Context, name string, index int) (int64, error) {
	var value int64
	err := c.call(ctx, "bm_register_read", func(p thrift.TProtocol) error {
		if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 2, name); err != nil {
			return err
		}
		return writeI32Field(ctx, p, 3, int32(index))
	}, func(p thrift.TProtocol, t thrift.TType) error {
		if t != thrift.I64 {
			return p.Skip(ctx, t)
		}
		v, err := p.ReadI64(ctx)
		value = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("thrift %s: %w", c.addr, err)
	}
	return value, nil
}

// WriteRegister writes one register cell.
func (c *Client) WriteRegister(ctx context.Context, name string, index int, value int64) error {
	err := c.call(ctx, "bm_register_write", func(p thrift.TProtocol) error {
		if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 2, name); err != nil {
			return err
		}
		if err := writeI32Field(ctx, p, 3, int32(index)); err != nil {
			return err
		}
		return writeI64Field(ctx, p, 4, value)
	}, nil)
	if err != nil {
		return fmt.Errorf("thrift %s: %w", c.addr, err)
	}
	return nil
}

func (c *Client) addEntry(ctx context.Context, rule fabric.Rule) (int64, error) {
	var handle int64
	err := c.call(ctx, "bm_mt_add_entry", func(p thrift.TProtocol) error {
		if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 2, rule.Table); err != nil {
			return err
		}
		if err := writeMatchField(ctx, p, 3, rule.Match); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 4, rule.Action); err != nil {
			return err
		}
		if err := writeActionDataField(ctx, p, 5, rule.Params); err != nil {
			return err
		}
		return writeEmptyStructField(ctx, p, 6)
	}, func(p thrift.TProtocol, t thrift.TType) error {
		if t != thrift.I64 {
			return p.Skip(ctx, t)
		}
		v, err := p.ReadI64(ctx)
		handle = v
		return err
	})
	return handle, err
}

// entryHandle looks up the handle of an existing entry by key. The handle is
// the only i64 field of the returned BmMtEntry.
func (c *Client) entryHandle(ctx context.Context, rule fabric.Rule) (int64, error) {
	var handle int64
	found := false
	err := c.call(ctx, "bm_mt_get_entry_from_key", func(p thrift.TProtocol) error {
		if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 2, rule.Table); err != nil {
			return err
		}
		if err := writeMatchField(ctx, p, 3, rule.Match); err != nil {
			return err
		}
		return writeEmptyStructField(ctx, p, 4)
	}, func(p thrift.TProtocol, t thrift.TType) error {
		if t != thrift.STRUCT {
			return p.Skip(ctx, t)
		}
		return readStruct(ctx, p, func(_ int16, ft thrift.TType) error {
			if ft == thrift.I64 && !found {
				v, err := p.ReadI64(ctx)
				handle, found = v, true
				return err
			}
			return p.Skip(ctx, ft)
		})
	})
	if err == nil && !found {
		err = fmt.Errorf("bm_mt_get_entry_from_key: no entry handle in reply")
	}
	return handle, err
}

func (c *Client) modifyEntry(ctx context.Context, rule fabric.Rule, handle int64) error {
	return c.call(ctx, "bm_mt_modify_entry", func(p thrift.TProtocol) error {
		if err := writeI32Field(ctx, p, 1, c.cxtID); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 2, rule.Table); err != nil {
			return err
		}
		if err := writeI64Field(ctx, p, 3, handle); err != nil {
			return err
		}
		if err := writeStringField(ctx, p, 4, rule.Action); err != nil {
			return err
		}
		return writeActionDataField(ctx, p, 5, rule.Params)
	}, nil)
}
