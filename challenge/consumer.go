/*
 * Copyright 2024-2026 Verinet Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"

	"github.com/verinet/attest/common"
)

const defaultNatsStream = "attest"

const natsChallengeVerifySubject = "attest.challenge.verify.pending"
const natsChallengeVerifyMaxInFlight = 32
const challengeVerifyAckWait = time.Minute * 5
const challengeVerifyMaxDeliveries = 3

const expirySweepInterval = time.Second * 30

// consumerPipeline is the pipeline the NATS consumers dispatch into; set
// once by StartConsumers before any subscription is established
var consumerPipeline *Pipeline

// StartConsumers establishes the verification subscriptions and the
// expiry sweeper for the given pipeline. No-op unless NATS streaming
// subscriptions are enabled in the environment.
func StartConsumers(ctx context.Context, pipeline *Pipeline) {
	if err := pipeline.RecoverStranded(); err != nil {
		common.Log.Warningf("failed to sweep stranded challenges at startup; %s", err.Error())
	}

	go runExpirySweeper(ctx, pipeline)

	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("challenge package consumer configured to skip NATS streaming subscription setup")
		return
	}

	consumerPipeline = pipeline

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsChallengeVerifySubscriptions(&waitGroup)
}

func createNatsChallengeVerifySubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			challengeVerifyAckWait,
			natsChallengeVerifySubject,
			natsChallengeVerifySubject,
			natsChallengeVerifySubject,
			consumeChallengeVerifyMsg,
			challengeVerifyAckWait,
			natsChallengeVerifyMaxInFlight,
			challengeVerifyMaxDeliveries,
			nil,
		)
	}
}

func consumeChallengeVerifyMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during challenge verification; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS challenge verification message on subject: %s", len(msg.Data), msg.Subject)

	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal challenge verification message; %s", err.Error())
		msg.Nak()
		return
	}

	challengeIDStr, challengeIDOk := params["challenge_id"].(string)
	if !challengeIDOk {
		common.Log.Warning("failed to unmarshal challenge_id during verification message handler")
		msg.Nak()
		return
	}

	challengeID, err := uuid.FromString(challengeIDStr)
	if err != nil {
		common.Log.Warningf("failed to parse challenge id during verification message handler; %s", err.Error())
		msg.Nak()
		return
	}

	if consumerPipeline == nil {
		common.Log.Warning("challenge verification consumer has no pipeline configured")
		msg.Nak()
		return
	}

	if err := consumerPipeline.VerifyPending(challengeID); err != nil {
		common.Log.Warningf("failed to verify challenge %s; %s", challengeID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}

func runExpirySweeper(ctx context.Context, pipeline *Pipeline) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := pipeline.SweepExpired(); err != nil {
				common.Log.Warningf("challenge expiry sweep failed; %s", err.Error())
			}
			if err := pipeline.SweepVerifyTimeouts(); err != nil {
				common.Log.Warningf("challenge verification timeout sweep failed; %s", err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}
