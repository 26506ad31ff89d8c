package logfields

import "go.uber.org/zap"

func CheckSuite(val int64) zap.Field {
	return zap.Int64("ci.check_suite", val)
}

func Stage(val int64) zap.Field {
	return zap.Int64("ci.stage", val)
}

func StageName(val string) zap.Field {
	return zap.String("ci.stage_name", val)
}

func Job(val int64) zap.Field {
	return zap.Int64("ci.job", val)
}

func JobName(val string) zap.Field {
	return zap.String("ci.job_name", val)
}

func BambooRef(val string) zap.Field {
	return zap.String("ci.bamboo_ref", val)
}

func Plan(val string) zap.Field {
	return zap.String("ci.plan", val)
}

func CheckRef(val int64) zap.Field {
	return zap.Int64("github.check_run", val)
}
