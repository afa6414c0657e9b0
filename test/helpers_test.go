package test

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"audiopaste/cfg"
	"audiopaste/svc/api"
	"audiopaste/svc/blob"
	"audiopaste/svc/cache"
	"audiopaste/svc/db"
	"audiopaste/svc/hash"
	"audiopaste/svc/life"
	"audiopaste/svc/lim"
	"audiopaste/svc/svc"
	"audiopaste/svc/util"
)

func createTestConfig() *cfg.Cfg {
	util.InitLog("error", false)
	return &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		LogLevel:        "error",
		BlobSuffix:      ".webm",
		KeyPrefixLen:    8,
		DefaultTTL:      1 * time.Hour,
		MaxClipSize:     1024 * 1024,
		LRUCacheSize:    1000,
		ContextTimeout:  30 * time.Second,
		OwnerCookieName: "audiopaste_owner",
		RateLimit: cfg.RateLimitCfg{
			RPM:   100000,
			Burst: 10000,
		},
		GCInterval:    10 * time.Minute,
		GCGracePeriod: 15 * time.Minute,
		GCBatchSize:   100,
	}
}

type testStack struct {
	cfg    *cfg.Cfg
	db     *db.SQLite
	blobs  *blob.Store
	paste  *svc.Paste
	server *httptest.Server
}

func createTestStack(t *testing.T) *testStack {
	c := createTestConfig()

	sqlDB, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "test.db"), 10, 2, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	blobs, err := blob.New(t.TempDir(), c.BlobSuffix)
	if err != nil {
		t.Fatal(err)
	}
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := hash.New(c.KeyPrefixLen)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(sqlDB, blobs, lru, nil, hasher, life.NewManager(sqlDB, blobs), c)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil)
	t.Cleanup(limiter.Stop)

	srv := httptest.NewServer(api.NewServer(c, pasteSvc, limiter, sqlDB, nil))
	t.Cleanup(srv.Close)

	return &testStack{
		cfg:    c,
		db:     sqlDB,
		blobs:  blobs,
		paste:  pasteSvc,
		server: srv,
	}
}
