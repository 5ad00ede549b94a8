package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const clientTimeout = 10 * time.Second

var (
	serverURL = flag.String("server", "http://127.0.0.1:7474", "Base URL of the VantaDB server")
	username  = flag.String("user", "admin", "Principal to act as")
)

type queryRequest struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters"`
}

type terminateRequest struct {
	Username string `json:"username"`
}

func main() {
	flag.Parse()

	rl, err := readline.New("vantadb> ")
	if err != nil {
		fmt.Printf("failed to start readline: %v\n", err)
		return
	}
	defer rl.Close()

	fmt.Printf("Connected to %s as %q. Commands: transactions | queries | terminate <user> | query <statement> | help | exit\n", *serverURL, *username)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit":
			return
		case "help":
			fmt.Println("transactions          list live transactions per user")
			fmt.Println("queries               list currently executing queries")
			fmt.Println("terminate <user>      request termination of a user's transactions")
			fmt.Println("query <statement>     run a statement (CREATE/MATCH/UNWIND)")
		case "transactions":
			doGet("/admin/transactions")
		case "queries":
			doGet("/admin/queries")
		case "terminate":
			if len(fields) != 2 {
				fmt.Println("usage: terminate <user>")
				continue
			}
			doPost("/admin/terminate", terminateRequest{Username: strings.TrimSpace(fields[1])})
		case "query":
			if len(fields) != 2 {
				fmt.Println("usage: query <statement>")
				continue
			}
			doPost("/db/query", queryRequest{Statement: fields[1]})
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

func doGet(path string) {
	req, err := http.NewRequest(http.MethodGet, *serverURL+path, nil)
	if err != nil {
		fmt.Printf("error building request: %v\n", err)
		return
	}
	send(req)
}

func doPost(path string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("error marshalling request: %v\n", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, *serverURL+path, bytes.NewBuffer(payload))
	if err != nil {
		fmt.Printf("error building request: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	send(req)
}

func send(req *http.Request) {
	req.Header.Set("X-VantaDB-User", *username)

	client := http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("error sending request: %v\n", err)
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("error reading response: %v\n", err)
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bodyBytes, "", "  "); err != nil {
		fmt.Printf("(%s) %s\n", resp.Status, strings.TrimSpace(string(bodyBytes)))
		return
	}
	fmt.Printf("(%s)\n%s\n", resp.Status, pretty.String())
}
