package main

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3gate/pkg/security/auth"
)

const (
	testAK     = "AKIDEXAMPLE"
	testSecret = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"
)

func env(name string) string {
	switch name {
	case "AWS_ACCESS_KEY_ID":
		return testAK
	case "AWS_SECRET_ACCESS_KEY":
		return testSecret
	}
	return ""
}

func keys() auth.SecretKeyProvider {
	return auth.NewStaticStore([]auth.AccessKey{{AccessKey: testAK, SecretKey: testSecret}})
}

func verify(t *testing.T, r *http.Request) {
	t.Helper()
	creds, err := auth.NewSignatureContext(r, auth.Options{Provider: keys()}).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, testAK, creds.AccessKey)
	creds.Wipe()
}

func TestRun_PresignedURLVerifies(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run([]string{"-presign", "10m", "GET", "http://s3.local/bucket/my%20key.txt"}, env, nil, &out, &errOut, time.Now().UTC())
	require.NoError(t, err, errOut.String())

	signed := strings.TrimSpace(out.String())
	assert.Contains(t, signed, "X-Amz-Expires=600")
	verify(t, httptest.NewRequest(http.MethodGet, signed, nil))
}

func TestRun_HeaderSigningVerifies(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "body.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello gateway"), 0o600))

	var out bytes.Buffer
	err := run([]string{"-payload", file, "-H", "X-Amz-Meta-Color: blue", "PUT", "http://s3.local/bucket/obj"}, env, nil, &out, &bytes.Buffer{}, time.Now().UTC())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPut, "http://s3.local/bucket/obj", strings.NewReader("hello gateway"))
	r.ContentLength = 0 // the signer saw no body, so content-length is not signed
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ": ")
		require.True(t, ok, sc.Text())
		r.Header.Add(name, value)
	}
	assert.Contains(t, r.Header.Get("Authorization"), "x-amz-meta-color")
	verify(t, r)
}

func TestRun_Curl(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-unsigned", "-curl", "delete", "http://s3.local/b/k"}, env, nil, &out, &bytes.Buffer{}, time.Now().UTC())
	require.NoError(t, err)
	line := out.String()
	assert.True(t, strings.HasPrefix(line, "curl -X DELETE"))
	assert.Contains(t, line, "'X-Amz-Content-Sha256: UNSIGNED-PAYLOAD'")
	assert.True(t, strings.HasSuffix(line, " 'http://s3.local/b/k'\n"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestRun_Errors(t *testing.T) {
	noEnv := func(string) string { return "" }
	for _, args := range [][]string{
		{"GET"},
		{"GET", "http://s3.local/b"},
		{"-access-key", "a", "-secret-key", "b", "-presign", "200h", "GET", "http://s3.local/b"},
		{"-access-key", "a", "-secret-key", "b", "GET", "not a url"},
		{"-access-key", "a", "-secret-key", "b", "-H", "novalue", "GET", "http://s3.local/b"},
	} {
		err := run(args, noEnv, nil, &bytes.Buffer{}, &bytes.Buffer{}, time.Now())
		assert.Error(t, err, "%v", args)
	}
}
