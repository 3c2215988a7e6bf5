// Command s3sign signs or presigns an S3 request with the AWS SDK signer so
// the gateway can be exercised from curl.
//
//	s3sign -presign 15m GET http://localhost:8080/bucket/key
//	s3sign -payload ./file.bin -curl PUT http://localhost:8080/bucket/key
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q: want \"Name: value\"", v)
	}
	*h = append(*h, v)
	return nil
}

type options struct {
	accessKey, secretKey string
	region, service      string
	presign              time.Duration
	payload              string
	unsigned, curl       bool
	headers              headerFlags
	method, target       string
}

func parseArgs(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("s3sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.accessKey, "access-key", getenv("AWS_ACCESS_KEY_ID"), "access key id (default $AWS_ACCESS_KEY_ID)")
	fs.StringVar(&o.secretKey, "secret-key", getenv("AWS_SECRET_ACCESS_KEY"), "secret key (default $AWS_SECRET_ACCESS_KEY)")
	fs.StringVar(&o.region, "region", "us-east-1", "signing region")
	fs.StringVar(&o.service, "service", "s3", "signing service")
	fs.DurationVar(&o.presign, "presign", 0, "print a presigned URL valid for this long instead of signing headers")
	fs.StringVar(&o.payload, "payload", "", "file whose SHA-256 is signed; - reads stdin")
	fs.BoolVar(&o.unsigned, "unsigned", false, "sign with UNSIGNED-PAYLOAD")
	fs.BoolVar(&o.curl, "curl", false, "print a curl command instead of bare headers")
	fs.Var(&o.headers, "H", "extra signed header \"Name: value\" (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: s3sign [flags] METHOD URL")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return o, errors.New("need METHOD and URL")
	}
	o.method, o.target = strings.ToUpper(fs.Arg(0)), fs.Arg(1)
	if o.accessKey == "" || o.secretKey == "" {
		return o, errors.New("access key and secret key are required")
	}
	if o.presign < 0 || o.presign > 7*24*time.Hour {
		return o, errors.New("-presign must be between 0 and 168h")
	}
	return o, nil
}

func payloadHash(o options, stdin io.Reader) (string, error) {
	switch {
	case o.unsigned || o.presign > 0:
		return unsignedPayload, nil
	case o.payload == "":
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	var rd io.Reader = stdin
	if o.payload != "-" {
		f, err := os.Open(o.payload)
		if err != nil {
			return "", err
		}
		defer f.Close()
		rd = f
	}
	h := sha256.New()
	if _, err := io.Copy(h, rd); err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func run(args []string, getenv func(string) string, stdin io.Reader, stdout, stderr io.Writer, now time.Time) error {
	o, err := parseArgs(args, getenv, stderr)
	if err != nil {
		return err
	}
	u, err := url.Parse(o.target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid URL %q", o.target)
	}
	hash, err := payloadHash(o, stdin)
	if err != nil {
		return err
	}

	r, err := http.NewRequest(o.method, u.String(), nil)
	if err != nil {
		return err
	}
	for _, h := range o.headers {
		name, value, _ := strings.Cut(h, ":")
		r.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	signer := v4.NewSigner(func(so *v4.SignerOptions) { so.DisableURIPathEscaping = true })
	creds := aws.Credentials{AccessKeyID: o.accessKey, SecretAccessKey: o.secretKey}
	ctx := context.Background()

	if o.presign > 0 {
		q := r.URL.Query()
		q.Set("X-Amz-Expires", strconv.Itoa(int(o.presign/time.Second)))
		r.URL.RawQuery = q.Encode()
		signed, _, err := signer.PresignHTTP(ctx, creds, r, hash, o.service, o.region, now)
		if err != nil {
			return fmt.Errorf("presign: %w", err)
		}
		if o.curl {
			fmt.Fprintf(stdout, "curl -X %s %s\n", o.method, shellQuote(signed))
			return nil
		}
		fmt.Fprintln(stdout, signed)
		return nil
	}

	r.Header.Set("X-Amz-Content-Sha256", hash)
	if err := signer.SignHTTP(ctx, creds, r, hash, o.service, o.region, now); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	if !o.curl {
		for _, name := range names {
			for _, v := range r.Header[name] {
				fmt.Fprintf(stdout, "%s: %s\n", name, v)
			}
		}
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s", o.method)
	for _, name := range names {
		for _, v := range r.Header[name] {
			fmt.Fprintf(&b, " -H %s", shellQuote(name+": "+v))
		}
	}
	if o.payload != "" && o.payload != "-" {
		fmt.Fprintf(&b, " --data-binary %s", shellQuote("@"+o.payload))
	}
	fmt.Fprintf(&b, " %s", shellQuote(u.String()))
	fmt.Fprintln(stdout, b.String())
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func main() {
	err := run(os.Args[1:], os.Getenv, os.Stdin, os.Stdout, os.Stderr, time.Now().UTC())
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "s3sign:", err)
		os.Exit(2)
	}
}
