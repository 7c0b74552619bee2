package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ProofChain/sdk/go/proofchain"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "ProofChain API 地址")
	network := flag.String("network", "ethereum-dev", "服务端配置的网络名称")
	tierName := flag.String("tier", "open", "数据等级: open/restricted/sealed")
	wait := flag.Duration("wait", 2*time.Minute, "等待记录落定的最长时间")
	flag.Parse()

	var payload any
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "读取标准输入中的 JSON 载荷失败: %v\n", err)
		os.Exit(1)
	}

	client, err := proofchain.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	rec, err := client.Submit(ctx, proofchain.Submission{Payload: payload, Tier: *tierName, Network: *network})
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("record %s content_hash=%s state=%s\n", rec.ID, rec.ContentHash, rec.State)

	settled, err := client.WaitSettled(ctx, rec.ID, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "等待落定失败: %v\n", err)
		os.Exit(1)
	}
	if settled.ChainReference != nil {
		fmt.Printf("state=%s tx=%s confirmations=%d\n", settled.State, settled.ChainReference.TxID, settled.Confirmations)
	} else {
		fmt.Printf("state=%s error=%s\n", settled.State, settled.ErrorCode)
	}

	result, err := client.Verify(ctx, rec.ContentHash, rec.HashAlgorithm, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "校验失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("verify outcome=%s\n", result.Outcome)
}
