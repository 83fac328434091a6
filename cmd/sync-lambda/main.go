package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	json "github.com/goccy/go-json"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/config"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/db"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/dossiers"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/parcours"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/storage"
)

type secretPayload struct {
	DatabaseURL string `json:"DATABASE_URL"`
}

type result struct {
	Parcours  int    `json:"parcours"`
	Stages    int    `json:"stages"`
	Changed   int    `json:"changed"`
	Failed    int    `json:"failed"`
	ReportURI string `json:"report_uri,omitempty"`
}

func getSecret(ctx context.Context, sm *secretsmanager.Client, secretArn string) (string, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretArn})
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	var payload secretPayload
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return "", fmt.Errorf("parse secret json: %w", err)
	}
	if payload.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL missing in secret")
	}
	return payload.DatabaseURL, nil
}

// summarize counts the per-stage outcomes of a sync run
func summarize(all map[string][]models.SyncResult) result {
	r := result{Parcours: len(all)}
	for _, results := range all {
		for _, s := range results {
			r.Stages++
			if s.Changed {
				r.Changed++
			}
			if s.Error != "" {
				r.Failed++
			}
		}
	}
	return r
}

func putMetrics(ctx context.Context, cw *cloudwatch.Client, ns string, r result) error {
	now := time.Now()
	metrics := []cwtypes.MetricDatum{
		{MetricName: awsStr("CaseFilesSynced"), Timestamp: &now, Unit: cwtypes.StandardUnitCount, Value: awsFloat(r.Stages)},
		{MetricName: awsStr("CaseFilesChanged"), Timestamp: &now, Unit: cwtypes.StandardUnitCount, Value: awsFloat(r.Changed)},
		{MetricName: awsStr("CaseFilesFailed"), Timestamp: &now, Unit: cwtypes.StandardUnitCount, Value: awsFloat(r.Failed)},
	}
	_, err := cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &ns,
		MetricData: metrics,
	})
	return err
}

func handler(ctx context.Context) (result, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "eu-west-3"
	}
	secretArn := os.Getenv("SECRET_ARN")
	if secretArn == "" {
		return result{}, fmt.Errorf("SECRET_ARN env var is required")
	}
	ns := os.Getenv("METRIC_NAMESPACE")
	if ns == "" {
		ns = "FondsArgile/CaseFileSync"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return result{}, fmt.Errorf("aws config: %w", err)
	}
	sm := secretsmanager.NewFromConfig(awsCfg)
	cw := cloudwatch.NewFromConfig(awsCfg)

	dbURL, err := getSecret(ctx, sm, secretArn)
	if err != nil {
		return result{}, err
	}
	database, err := db.NewDatabaseFromDSN(ctx, dbURL, 3, time.Second)
	if err != nil {
		return result{}, fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()

	cfg := config.Load()
	tracker := parcours.NewTracker(database, database, access.NewGuard(database))
	client := dossiers.NewClient(cfg.DSAPIURL, cfg.DSAPIToken, cfg.DSTimeout)
	synchronizer := dossiers.NewSynchronizer(database, client, tracker, cfg.DSDemarches)

	all, err := synchronizer.SyncActive(ctx)
	if err != nil {
		return result{}, fmt.Errorf("sync active parcours: %w", err)
	}
	res := summarize(all)
	log.Printf("[SYNC] parcours=%d stages=%d changed=%d failed=%d", res.Parcours, res.Stages, res.Changed, res.Failed)

	if bucket := os.Getenv("SYNC_REPORT_BUCKET"); bucket != "" {
		archive, err := storage.NewS3Archive(ctx, bucket, region)
		if err == nil {
			res.ReportURI, err = archive.UploadJSON(ctx, storage.TimestampKey("sync-reports/"), all)
		}
		if err != nil {
			log.Printf("[SYNC] report upload failed: %v", err)
		}
	}

	if err := putMetrics(ctx, cw, ns, res); err != nil {
		log.Printf("PutMetricData failed: %v", err)
	}
	return res, nil
}

func awsStr(s string) *string { return &s }
func awsFloat(i int) *float64 {
	f := float64(i)
	return &f
}

func main() { lambda.Start(handler) }
