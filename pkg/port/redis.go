package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var (
	address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

	commandsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_commands_total",
		Help: "Total number of Redis commands handled.",
	}, []string{"command", "status" /* ok | error */})
	connectionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redis_connections_total",
		Help: "Total number of accepted Redis connections.",
	})
)

var (
	errSyntax             = errors.New("syntax error")
	errNotInteger         = errors.New("value is not an integer or out of range")
	errInvalidSetExpiry   = errors.New("invalid expire time in 'set' command")
	maxExpirySeconds      = int64(math.MaxInt64 / int64(time.Second))
	maxExpiryMilliseconds = int64(math.MaxInt64 / int64(time.Millisecond))
)

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper-cased command name.
	args    []string
}

type outputKind uint8

const (
	simpleStringOutput outputKind = iota
	bulkOutput
	intOutput
	nilOutput
	errorOutput
	arrayOutput
)

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	kind            outputKind
	closeConnection bool // Closes the connection after writing if true.
	str             string
	bulk            []byte
	integer         int
	array           []string
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{kind: simpleStringOutput, str: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{kind: nilOutput}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{kind: intOutput, integer: i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{kind: simpleStringOutput, str: s}
}

func writeRedisBulk(b []byte) redisOutput {
	return redisOutput{kind: bulkOutput, bulk: b}
}

func writeRedisArray(items []string) redisOutput {
	return redisOutput{kind: arrayOutput, array: items}
}

func writeRedisError(err error) redisOutput {
	return redisOutput{kind: errorOutput, str: "ERR " + err.Error()}
}

func wrongArgsNumber(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTo writes the output on the given connection.
func (ro redisOutput) writeTo(conn redcon.Conn) {
	switch ro.kind {
	case simpleStringOutput:
		conn.WriteString(ro.str)
	case bulkOutput:
		conn.WriteBulk(ro.bulk)
	case intOutput:
		conn.WriteInt(ro.integer)
	case nilOutput:
		conn.WriteNull()
	case errorOutput:
		conn.WriteError(ro.str)
	case arrayOutput:
		conn.WriteArray(len(ro.array))
		for _, item := range ro.array {
			conn.WriteBulkString(item)
		}
	}
	if ro.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "error", err)
		}
	}
}

type redisHandler struct {
	backend *Backend
	now     func() time.Time // Base instant for relative and absolute expiries.
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(backend *Backend) (*redisHandler, error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	return &redisHandler{backend: backend, now: time.Now}, nil
}

// parsePositive parses a strictly positive integer for an expiry option, capped at `limit`.
func parsePositive(raw string, limit int64) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	if n <= 0 || n > limit {
		return 0, errInvalidSetExpiry
	}
	return n, nil
}

// parseSetCommand parses `SET key value [NX | XX] [GET] [EX s | PX ms | EXAT ts | PXAT ts | KEEPTTL]`.
// Absolute Unix timestamps are turned into deadlines relative to `now` so they keep its monotonic reading.
func parseSetCommand(args []string, now time.Time) (SetCommand, error) {
	if len(args) < 2 {
		return SetCommand{}, errSyntax
	}
	cmd := SetCommand{key: args[0], value: []byte(args[1])}
	hasExpiry := false
	for i := 2; i < len(args); i++ {
		option := strings.ToUpper(args[i])
		switch option {
		case "NX", "XX":
			if cmd.existence != noCheck {
				return SetCommand{}, errSyntax
			}
			cmd.existence = ifNotExists
			if option == "XX" {
				cmd.existence = ifExists
			}
		case "GET":
			cmd.get = true
		case "KEEPTTL":
			if hasExpiry {
				return SetCommand{}, errSyntax
			}
			hasExpiry = true
			cmd.keepTtl = true
		case "EX", "PX", "EXAT", "PXAT":
			if hasExpiry || i+1 >= len(args) {
				return SetCommand{}, errSyntax
			}
			hasExpiry = true
			i++
			limit := maxExpirySeconds
			if option == "PX" || option == "PXAT" {
				limit = maxExpiryMilliseconds
			}
			n, err := parsePositive(args[i], limit)
			if err != nil {
				return SetCommand{}, err
			}
			switch option {
			case "EX":
				cmd.expiresAt = now.Add(time.Duration(n) * time.Second)
			case "PX":
				cmd.expiresAt = now.Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				cmd.expiresAt = now.Add(time.Unix(n, 0).Sub(now))
			case "PXAT":
				cmd.expiresAt = now.Add(time.UnixMilli(n).Sub(now))
			}
		default:
			return SetCommand{}, errSyntax
		}
	}
	return cmd, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk([]byte(cmd.args[0]))
		default:
			return wrongArgsNumber(cmd.command)
		}
	case "ECHO":
		if len(cmd.args) != 1 {
			return wrongArgsNumber(cmd.command)
		}
		return writeRedisBulk([]byte(cmd.args[0]))
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		if len(cmd.args) < 2 {
			return wrongArgsNumber(cmd.command)
		}
		setCmd, err := parseSetCommand(cmd.args, rh.now())
		if err != nil {
			return writeRedisError(err)
		}
		result := rh.backend.Set(setCmd)
		if result.err != nil {
			return writeRedisError(result.err)
		}
		if setCmd.get {
			if !result.hasPreviousValue {
				return writeRedisNil()
			}
			return writeRedisBulk(result.previousValue)
		}
		if !result.couldSet {
			return writeRedisNil()
		}
		return writeRedisString(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgsNumber(cmd.command)
		}
		if value, err := rh.backend.Get(cmd.args[0]); errors.Is(err, ErrKeyNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		} else {
			return writeRedisBulk(value)
		}
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgsNumber(cmd.command)
		}
		deleted, err := rh.backend.Delete(cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(deleted)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArgsNumber(cmd.command)
		}
		existing, err := rh.backend.Exists(cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(existing)
	case "TTL", "PTTL":
		if len(cmd.args) != 1 {
			return wrongArgsNumber(cmd.command)
		}
		remaining, err := rh.backend.TimeToLive(cmd.args[0])
		if errors.Is(err, ErrKeyNotFound) {
			return writeRedisInt(-2) // Redis reports -2 for missing keys.
		} else if err != nil {
			return writeRedisError(err)
		}
		if cmd.command == "PTTL" {
			return writeRedisInt(int(remaining.Milliseconds()))
		}
		// Round to the nearest second like Redis does.
		return writeRedisInt(int((remaining + 500*time.Millisecond) / time.Second))
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArgsNumber(cmd.command)
		}
		keys, err := rh.backend.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "DBSIZE":
		if len(cmd.args) != 0 {
			return wrongArgsNumber(cmd.command)
		}
		size, err := rh.backend.Size()
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(size)
	case "DIGEST":
		if len(cmd.args) != 1 {
			return wrongArgsNumber(cmd.command)
		}
		if digest, err := rh.backend.Digest(cmd.args[0]); errors.Is(err, ErrKeyNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		} else {
			return writeRedisBulk([]byte(digest))
		}
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.command)))
	}
}

// knownCommands bounds the command label of the commands metric.
var knownCommands = map[string]struct{}{
	"PING": {}, "ECHO": {}, "QUIT": {}, "SET": {}, "GET": {}, "DEL": {}, "EXISTS": {},
	"TTL": {}, "PTTL": {}, "KEYS": {}, "DBSIZE": {}, "DIGEST": {},
}

// commandLabel returns the metric label for `command`.
func commandLabel(command string) string {
	if _, known := knownCommands[command]; known {
		return command
	}
	return "UNKNOWN"
}

// toRedisCommand converts a redcon.Command to redisCommand.
func toRedisCommand(cmd redcon.Command) redisCommand {
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
	for i := 1; i < len(cmd.Args); i++ {
		command.args[i-1] = string(cmd.Args[i])
	}
	return command
}

// RunRedisServer serves the Redis protocol on `--address` over the given backend until `ctx` is done.
func RunRedisServer(ctx context.Context, backend *Backend) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(backend)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			if len(cmd.Args) == 0 {
				return
			}
			command := toRedisCommand(cmd)
			output := redisHandler.handle(command)
			status := "ok"
			if output.kind == errorOutput {
				status = "error"
			}
			commandsMetric.WithLabelValues(commandLabel(command.command), status).Inc()
			output.writeTo(conn)
		},
		/*accept*/ func(conn redcon.Conn) bool {
			connectionsMetric.Inc()
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	listening := make(chan error, 1)
	serverErrSignal := make(chan error, 1)
	go func() { serverErrSignal <- redisServer.ListenServeAndSignal(listening) }()
	// Close fails until the listener is bound, so wait for it even if `ctx` is already done.
	if err := <-listening; err != nil {
		return fmt.Errorf("failed to listen for redis protocol on %s: %w", *address, err)
	}
	slog.Info("Serving Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close redis server: %w", err)
		}
		if err := <-serverErrSignal; err != nil {
			return fmt.Errorf("redis server failed while closing: %w", err)
		}
	case err := <-serverErrSignal:
		if err == nil {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
