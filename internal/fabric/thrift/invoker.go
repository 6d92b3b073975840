package thrift

import (
	"context"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/wudi/ppvctl/internal/fabric"
)

// bmv2 TableOperationErrorCode values used by the client.
const (
	TableInvalidTableName  int32 = 7
	TableInvalidActionName int32 = 8
	TableDuplicateEntry    int32 = 17
	TableBadMatchKey       int32 = 18
	TableBadActionData     int32 = 26
)

var tableErrorNames = map[int32]string{
	1: "TABLE_FULL", 2: "INVALID_HANDLE", 3: "EXPIRED_HANDLE",
	4: "COUNTERS_DISABLED", 5: "METERS_DISABLED", 6: "AGEING_DISABLED",
	7: "INVALID_TABLE_NAME", 8: "INVALID_ACTION_NAME", 9: "WRONG_TABLE_TYPE",
	17: "DUPLICATE_ENTRY", 18: "BAD_MATCH_KEY", 19: "INVALID_METER_OPERATION",
	26: "BAD_ACTION_DATA", 27: "ERROR",
}

// OperationError is the declared exception of a runtime call, e.g.
// InvalidTableOperation or InvalidRegisterOperation.
type OperationError struct {
	Method string
	Code   int32
}

func (e *OperationError) Error() string {
	name, ok := tableErrorNames[e.Code]
	if !ok || len(e.Method) < 5 || e.Method[:5] != "bm_mt" {
		return fmt.Sprintf("%s: operation failed with code %d", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, name)
}

// call sends one request and reads its reply. writeArgs writes the argument
// fields; readSuccess, if non-nil, reads result field 0. Result field 1 is the
// declared exception.
func (c *Client) call(ctx context.Context, method string, writeArgs func(p thrift.TProtocol) error, readSuccess func(p thrift.TProtocol, t thrift.TType) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.proto
	seqID := c.seqID.Add(1)

	// Write the call.
	if err := p.WriteMessageBegin(ctx, ServiceName+thrift.MULTIPLEXED_SEPARATOR+method, thrift.CALL, seqID); err != nil {
		return fmt.Errorf("%s: WriteMessageBegin: %w", method, err)
	}
	if err := p.WriteStructBegin(ctx, method+"_args"); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := writeArgs(p); err != nil {
		return fmt.Errorf("%s: encoding args: %w", method, err)
	}
	if err := p.WriteFieldStop(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := p.WriteStructEnd(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := p.WriteMessageEnd(ctx); err != nil {
		return fmt.Errorf("%s: WriteMessageEnd: %w", method, err)
	}
	if err := p.Flush(ctx); err != nil {
		return fmt.Errorf("%s: Flush: %w", method, err)
	}

	// Read the reply.
	_, replyType, _, err := p.ReadMessageBegin(ctx)
	if err != nil {
		return fmt.Errorf("%s: ReadMessageBegin: %w", method, err)
	}

	if replyType == thrift.EXCEPTION {
		appEx := thrift.NewTApplicationException(0, "")
		if err := appEx.Read(ctx, p); err != nil {
			return fmt.Errorf("%s: reading application exception: %w", method, err)
		}
		if err := p.ReadMessageEnd(ctx); err != nil {
			return fmt.Errorf("%s: ReadMessageEnd after exception: %w", method, err)
		}
		return fmt.Errorf("%s: %w", method, appEx)
	}

	if replyType != thrift.REPLY {
		return fmt.Errorf("%s: unexpected message type: %d", method, replyType)
	}

	var opErr *OperationError
	err = readStruct(ctx, p, func(id int16, t thrift.TType) error {
		switch {
		case id == 0 && readSuccess != nil:
			return readSuccess(p, t)
		case id == 1 && t == thrift.STRUCT:
			code, err := readExceptionCode(ctx, p)
			if err != nil {
				return err
			}
			opErr = &OperationError{Method: method, Code: code}
			return nil
		default:
			return p.Skip(ctx, t)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: reading result: %w", method, err)
	}
	if err := p.ReadMessageEnd(ctx); err != nil {
		return fmt.Errorf("%s: ReadMessageEnd: %w", method, err)
	}
	if opErr != nil {
		return opErr
	}
	return nil
}

// readStruct iterates the fields of a struct, handing each to fn.
func readStruct(ctx context.Context, p thrift.TProtocol, fn func(id int16, t thrift.TType) error) error {
	if _, err := p.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, t, id, err := p.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if t == thrift.STOP {
			break
		}
		if err := fn(id, t); err != nil {
			return err
		}
		if err := p.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	return p.ReadStructEnd(ctx)
}

// readExceptionCode reads {1: i32 code} exceptions.
func readExceptionCode(ctx context.Context, p thrift.TProtocol) (int32, error) {
	var code int32
	err := readStruct(ctx, p, func(id int16, t thrift.TType) error {
		if id == 1 && t == thrift.I32 {
			v, err := p.ReadI32(ctx)
			code = v
			return err
		}
		return p.Skip(ctx, t)
	})
	return code, err
}

func writeI32Field(ctx context.Context, p thrift.TProtocol, id int16, v int32) error {
	if err := p.WriteFieldBegin(ctx, "", thrift.I32, id); err != nil {
		return err
	}
	if err := p.WriteI32(ctx, v); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

func writeI64Field(ctx context.Context, p thrift.TProtocol, id int16, v int64) error {
	if err := p.WriteFieldBegin(ctx, "", thrift.I64, id); err != nil {
		return err
	}
	if err := p.WriteI64(ctx, v); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

func writeStringField(ctx context.Context, p thrift.TProtocol, id int16, v string) error {
	if err := p.WriteFieldBegin(ctx, "", thrift.STRING, id); err != nil {
		return err
	}
	if err := p.WriteString(ctx, v); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

func writeBinaryField(ctx context.Context, p thrift.TProtocol, id int16, v []byte) error {
	if err := p.WriteFieldBegin(ctx, "", thrift.STRING, id); err != nil {
		return err
	}
	if err := p.WriteBinary(ctx, v); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

func writeEmptyStructField(ctx context.Context, p thrift.TProtocol, id int16) error {
	if err := p.WriteFieldBegin(ctx, "", thrift.STRUCT, id); err != nil {
		return err
	}
	if err := p.WriteStructBegin(ctx, ""); err != nil {
		return err
	}
	if err := p.WriteFieldStop(ctx); err != nil {
		return err
	}
	if err := p.WriteStructEnd(ctx); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

// writeMatchField writes list<BmMatchParam>.
func writeMatchField(ctx context.Context, p thrift.TProtocol, id int16, keys []fabric.Match) error {
	if err := p.WriteFieldBegin(ctx, "match_key", thrift.LIST, id); err != nil {
		return err
	}
	if err := p.WriteListBegin(ctx, thrift.STRUCT, len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.WriteStructBegin(ctx, "BmMatchParam"); err != nil {
			return err
		}
		switch k.Kind {
		case fabric.MatchLPM:
			if err := writeI32Field(ctx, p, 1, matchTypeLPM); err != nil {
				return err
			}
			if err := p.WriteFieldBegin(ctx, "lpm", thrift.STRUCT, 3); err != nil {
				return err
			}
			if err := p.WriteStructBegin(ctx, "BmMatchParamLPM"); err != nil {
				return err
			}
			if err := writeBinaryField(ctx, p, 1, k.Value); err != nil {
				return err
			}
			if err := writeI32Field(ctx, p, 2, int32(k.PrefixLen)); err != nil {
				return err
			}
		default:
			if err := writeI32Field(ctx, p, 1, matchTypeExact); err != nil {
				return err
			}
			if err := p.WriteFieldBegin(ctx, "exact", thrift.STRUCT, 2); err != nil {
				return err
			}
			if err := p.WriteStructBegin(ctx, "BmMatchParamExact"); err != nil {
				return err
			}
			if err := writeBinaryField(ctx, p, 1, k.Value); err != nil {
				return err
			}
		}
		if err := p.WriteFieldStop(ctx); err != nil {
			return err
		}
		if err := p.WriteStructEnd(ctx); err != nil {
			return err
		}
		if err := p.WriteFieldEnd(ctx); err != nil {
			return err
		}
		if err := p.WriteFieldStop(ctx); err != nil {
			return err
		}
		if err := p.WriteStructEnd(ctx); err != nil {
			return err
		}
	}
	if err := p.WriteListEnd(ctx); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

// writeActionDataField writes BmActionData (list<binary>).
func writeActionDataField(ctx context.Context, p thrift.TProtocol, id int16, params [][]byte) error {
	if err := p.WriteFieldBegin(ctx, "action_data", thrift.LIST, id); err != nil {
		return err
	}
	if err := p.WriteListBegin(ctx, thrift.STRING, len(params)); err != nil {
		return err
	}
	for _, v := range params {
		if err := p.WriteBinary(ctx, v); err != nil {
			return err
		}
	}
	if err := p.WriteListEnd(ctx); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}

// writeRatesField writes list<BmMeterRateConfig>. bmv2 expects units per
// microsecond.
func writeRatesField(ctx context.Context, p thrift.TProtocol, id int16, rates []fabric.MeterRate) error {
	if err := p.WriteFieldBegin(ctx, "rates", thrift.LIST, id); err != nil {
		return err
	}
	if err := p.WriteListBegin(ctx, thrift.STRUCT, len(rates)); err != nil {
		return err
	}
	for _, r := range rates {
		if err := p.WriteStructBegin(ctx, "BmMeterRateConfig"); err != nil {
			return err
		}
		if err := p.WriteFieldBegin(ctx, "units_per_micros", thrift.DOUBLE, 1); err != nil {
			return err
		}
		if err := p.WriteDouble(ctx, r.Rate/1e6); err != nil {
			return err
		}
		if err := p.WriteFieldEnd(ctx); err != nil {
			return err
		}
		if err := writeI32Field(ctx, p, 2, int32(r.Burst)); err != nil {
			return err
		}
		if err := p.WriteFieldStop(ctx); err != nil {
			return err
		}
		if err := p.WriteStructEnd(ctx); err != nil {
			return err
		}
	}
	if err := p.WriteListEnd(ctx); err != nil {
		return err
	}
	return p.WriteFieldEnd(ctx)
}
