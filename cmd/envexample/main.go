// Command envexample is a smoke-test / demo driver for the envelope
// package: it encrypts and decrypts a batch of synthetic rows across a
// configurable number of concurrent sessions, against a configurable
// metastore and KMS backend, and optionally dumps the resulting metrics.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	flags "github.com/jessevdk/go-flags"
	"github.com/rcrowley/go-metrics"

	"github.com/sentrykey/envelope"
	"github.com/sentrykey/envelope/crypto/aead"
	"github.com/sentrykey/envelope/kms"
	"github.com/sentrykey/envelope/metastore"
	envlog "github.com/sentrykey/envelope/pkg/log"
)

const (
	metastoreDynamoDB = "DYNAMODB"
	metastoreRDBMS    = "RDBMS"
	kmsAWS            = "AWS"
)

// Options mirrors the flags a caller needs to point this demo at a real
// metastore/KMS pair instead of the in-memory defaults.
type Options struct {
	Partitions    int    `short:"p" long:"partitions" default:"20" description:"Number of concurrent partitions (sessions) to run."`
	RowsPerRun    int    `short:"c" long:"count" default:"1000" description:"Number of rows to encrypt per partition."`
	Verbose       bool   `short:"v" long:"verbose" description:"Enables debug logging."`
	Metrics       bool   `short:"m" long:"metrics" description:"Dumps metrics to stdout as JSON when done."`
	NoCache       bool   `long:"no-cache" description:"Disables system/intermediate key caching."`
	SessionCache  bool   `long:"session-cache" description:"Enables the shared session cache."`
	Metastore     string `long:"metastore" description:"memory (default), RDBMS, or DYNAMODB"`
	KMS           string `long:"kms" description:"static (default) or AWS"`
	Region        string `long:"region" description:"Preferred KMS region, required with --kms AWS"`
	RegionMap     string `long:"map" description:"Comma separated <region>=<kms_arn> pairs, required with --kms AWS"`
	MySQLDSN      string `short:"C" long:"conn" description:"MySQL DSN, required with --metastore RDBMS"`
	Service       string `long:"service" default:"exampleService" description:"Service name, scopes every partition's system key."`
	Product       string `long:"product" default:"productId" description:"Product name, scopes every partition's system key."`
}

var opts Options

type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...interface{}) { log.Printf(format, args...) }

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}

		log.Fatal(err)
	}

	if opts.Verbose {
		envlog.SetLogger(stdLogger{})
	}

	crypto := aead.NewAES256GCM()

	keyManager, closeKMS := buildKMS(crypto)
	defer closeKMS()

	store := buildMetastore()

	policyOpts := []envelope.PolicyOption{}
	if opts.NoCache {
		policyOpts = append(policyOpts, envelope.WithNoCache())
	}

	if opts.SessionCache {
		policyOpts = append(policyOpts, envelope.WithSessionCache())
	}

	config := &envelope.Config{Service: opts.Service, Product: opts.Product}
	policy := envelope.NewCryptoPolicy(policyOpts...)

	factory := envelope.NewSessionFactory(config, policy, store, keyManager, crypto,
		envelope.WithMetrics(opts.Metrics))
	defer factory.Close()

	start := time.Now()

	runPartitions(factory)

	log.Printf("completed %d partitions x %d rows in %s", opts.Partitions, opts.RowsPerRun, time.Since(start))

	if opts.Metrics {
		dumpMetrics()
	}
}

func runPartitions(factory *envelope.SessionFactory) {
	var wg sync.WaitGroup

	for i := 0; i < opts.Partitions; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			partitionID := "shopper-" + strconv.Itoa(i)

			session, err := factory.GetSession(partitionID)
			if err != nil {
				log.Printf("partition %s: GetSession failed: %v", partitionID, err)
				return
			}
			defer session.Close()

			rows := encryptRows(session, opts.RowsPerRun)

			for _, drr := range rows {
				if _, err := session.Decrypt(context.Background(), drr); err != nil {
					log.Printf("partition %s: decrypt failed: %v", partitionID, err)
				}
			}
		}(i)
	}

	wg.Wait()
}

type syntheticRow struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func encryptRows(session *envelope.Session, n int) []envelope.DataRowRecord {
	rows := make([]envelope.DataRowRecord, 0, n)

	for i := 0; i < n; i++ {
		row := syntheticRow{ID: metastore.NewID(), Value: fmt.Sprintf("payload-%d", i)}

		b, err := json.Marshal(row)
		if err != nil {
			log.Fatalf("marshal synthetic row: %v", err)
		}

		drr, err := session.Encrypt(context.Background(), b)
		if err != nil {
			log.Fatalf("encrypt: %v", err)
		}

		rows = append(rows, *drr)
	}

	return rows
}

func buildKMS(crypto envelope.AEAD) (envelope.KeyManagementService, func()) {
	if opts.KMS == kmsAWS {
		if opts.Region == "" || opts.RegionMap == "" {
			log.Fatal("--region and --map are required with --kms AWS")
		}

		arnsByRegion := make(map[string]string)
		for _, pair := range strings.Split(opts.RegionMap, ",") {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				log.Fatalf("malformed --map entry %q, want region=arn", pair)
			}

			arnsByRegion[parts[0]] = parts[1]
		}

		driver, err := kms.NewBuilder(crypto, arnsByRegion).WithPreferredRegion(opts.Region).Build()
		if err != nil {
			log.Fatalf("building AWS KMS driver: %v", err)
		}

		return driver, func() {}
	}

	driver, err := kms.NewStatic("thisIsAStaticMasterKeyForTesting", crypto)
	if err != nil {
		log.Fatalf("building static KMS driver: %v", err)
	}

	return driver, func() { driver.Close() }
}

func buildMetastore() envelope.Metastore {
	switch opts.Metastore {
	case metastoreRDBMS:
		if opts.MySQLDSN == "" {
			log.Fatal("--conn is required with --metastore RDBMS")
		}

		cfg, err := mysql.ParseDSN(opts.MySQLDSN)
		if err != nil {
			log.Fatalf("parsing MySQL DSN: %v", err)
		}

		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			log.Fatalf("opening MySQL connection: %v", err)
		}

		return metastore.NewSQL(db, metastore.WithDBType(metastore.MySQL))

	case metastoreDynamoDB:
		store, err := metastore.NewDynamoDB()
		if err != nil {
			log.Fatalf("building DynamoDB metastore: %v", err)
		}

		return store

	default:
		return metastore.NewMemory()
	}
}

func dumpMetrics() {
	snapshot := make(map[string]interface{})

	metrics.DefaultRegistry.Each(func(name string, m interface{}) {
		snapshot[name] = m
	})

	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Printf("marshal metrics: %v", err)
		return
	}

	fmt.Println(string(b))
}
