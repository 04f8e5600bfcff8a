package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recapnet/histd/internal/model"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	wsURL := os.Args[1]
	u, err := url.Parse(wsURL)
	if err != nil {
		log.Fatalf("invalid websocket url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Fatalf("unsupported websocket scheme: %s", u.Scheme)
	}

	cmd := os.Args[2]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	switch cmd {
	case "write":
		writeCmd(conn, os.Args[3:])
	case "history":
		historyCmd(conn, os.Args[3:])
	case "targets":
		targetsCmd(conn, os.Args[3:])
	case "consent":
		consentCmd(conn, os.Args[3:])
	case "redact":
		redactCmd(conn, os.Args[3:])
	default:
		usage()
	}
}

func hello(conn *websocket.Conn, account string) {
	if account == "" {
		log.Fatal("--account is required")
	}
	writeFrame(conn, model.GatewayFrame{Type: model.FrameTypeHello, Account: account})
	resp := readFrame(conn)
	if resp.Type != model.FrameTypeHelloOK {
		log.Fatalf("hello rejected: %s", resp.Error)
	}
}

func writeCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	account := fs.String("account", "", "authenticated account name")
	target := fs.String("target", "", "channel or correspondent account")
	text := fs.String("text", "", "message body")
	kind := fs.String("kind", "message", "item kind (message, notice, join, part, ...)")
	_ = fs.Parse(args)
	if *target == "" || *text == "" {
		log.Fatal("--target and --text are required")
	}

	hello(conn, *account)
	frame := model.GatewayFrame{Type: model.FrameTypeWrite, Target: *target, Kind: *kind, Text: *text}
	writeFrame(conn, frame)
	resp := readFrame(conn)
	printJSON(map[string]any{"request": frame, "response": resp})
}

func historyCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	account := fs.String("account", "", "authenticated account name")
	target := fs.String("target", "", "channel or correspondent account")
	sub := fs.String("sub", "LATEST", "subcommand (LATEST, BEFORE, AFTER, AROUND, BETWEEN, TARGETS)")
	ref := fs.String("ref", "*", "reference (timestamp=..., msgid=..., or *)")
	until := fs.String("until", "", "second reference for BETWEEN and TARGETS")
	limit := fs.Int("limit", 50, "maximum entries")
	_ = fs.Parse(args)
	if *target == "" && *sub != "TARGETS" {
		log.Fatal("--target is required")
	}

	hello(conn, *account)
	frame := model.GatewayFrame{
		Type:      model.FrameTypeHistory,
		Target:    *target,
		Sub:       *sub,
		Reference: *ref,
		Until:     *until,
		Limit:     *limit,
	}
	writeFrame(conn, frame)
	printBatch(conn, frame)
}

func targetsCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("targets", flag.ExitOnError)
	account := fs.String("account", "", "authenticated account name")
	since := fs.String("since", "", "start timestamp, RFC 3339")
	until := fs.String("until", "", "end timestamp, RFC 3339")
	limit := fs.Int("limit", 50, "maximum targets")
	_ = fs.Parse(args)
	if *since == "" || *until == "" {
		log.Fatal("--since and --until are required")
	}

	hello(conn, *account)
	frame := model.GatewayFrame{
		Type:      model.FrameTypeHistory,
		Sub:       "TARGETS",
		Reference: "timestamp=" + *since,
		Until:     "timestamp=" + *until,
		Limit:     *limit,
	}
	writeFrame(conn, frame)
	printBatch(conn, frame)
}

func consentCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("consent", flag.ExitOnError)
	account := fs.String("account", "", "authenticated account name")
	set := fs.String("set", "", "opt-in, opt-out, or unset (empty to query)")
	_ = fs.Parse(args)

	hello(conn, *account)

	var frame model.GatewayFrame
	switch *set {
	case "":
		frame = model.GatewayFrame{Type: model.FrameTypeMetadataGet, Key: model.ConsentKey}
	case "unset":
		frame = model.GatewayFrame{Type: model.FrameTypeMetadataClear, Key: model.ConsentKey}
	default:
		frame = model.GatewayFrame{Type: model.FrameTypeMetadataSet, Key: model.ConsentKey, Value: *set}
	}
	writeFrame(conn, frame)
	resp := readFrame(conn)
	printJSON(map[string]any{"request": frame, "response": resp})
}

func redactCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("redact", flag.ExitOnError)
	account := fs.String("account", "", "authenticated account name")
	target := fs.String("target", "", "channel or correspondent account")
	msgid := fs.String("msgid", "", "message id to redact")
	reason := fs.String("reason", "", "optional reason")
	_ = fs.Parse(args)
	if *target == "" || *msgid == "" {
		log.Fatal("--target and --msgid are required")
	}

	hello(conn, *account)
	frame := model.GatewayFrame{Type: model.FrameTypeRedact, Target: *target, MsgID: *msgid, Reason: *reason}
	writeFrame(conn, frame)
	resp := readFrame(conn)
	printJSON(map[string]any{"request": frame, "response": resp})
}

// printBatch consumes a batch_start / entry* / batch_end response and
// prints the collected entries. Any other frame is printed as-is.
func printBatch(conn *websocket.Conn, request model.GatewayFrame) {
	first := readFrame(conn)
	if first.Type != model.FrameTypeBatchStart {
		printJSON(map[string]any{"request": request, "response": first})
		return
	}

	entries := make([]map[string]any, 0)
	for {
		frame := readFrame(conn)
		switch frame.Type {
		case model.FrameTypeEntry:
			if frame.Entry == nil {
				continue
			}
			entries = append(entries, map[string]any{
				"msgid":  frame.Entry.MsgID,
				"target": frame.Entry.Target,
				"sender": frame.Entry.Sender,
				"kind":   frame.Entry.Kind,
				"text":   frame.Entry.Text,
				"at":     time.Unix(0, frame.Entry.At).UTC().Format(time.RFC3339Nano),
			})
		case model.FrameTypeBatchEnd:
			printJSON(map[string]any{
				"request": request,
				"response": map[string]any{
					"count":   frame.Count,
					"entries": entries,
				},
			})
			return
		default:
			printJSON(map[string]any{"request": request, "response": frame})
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame model.GatewayFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		log.Fatalf("write frame: %v", err)
	}
}

func readFrame(conn *websocket.Conn) model.GatewayFrame {
	var resp model.GatewayFrame
	if err := conn.ReadJSON(&resp); err != nil {
		log.Fatalf("read frame: %v", err)
	}
	return resp
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshal output: %v", err)
	}
	fmt.Println(string(b))
}

func usage() {
	msg := errors.New("usage: histctl <ws-url> <write|history|targets|consent|redact> [flags]\n" +
		"write   --account <a> --target <t> --text <s> [--kind <k>]\n" +
		"history --account <a> --target <t> [--sub <S>] [--ref <r>] [--until <r>] [--limit <N>]\n" +
		"targets --account <a> --since <ts> --until <ts> [--limit <N>]\n" +
		"consent --account <a> [--set <opt-in|opt-out|unset>]\n" +
		"redact  --account <a> --target <t> --msgid <id> [--reason <s>]")
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
