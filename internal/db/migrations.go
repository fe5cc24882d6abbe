package db

import (
	"fmt"

	"gorm.io/gorm"
)

// profiles, trucks and trailers are created by the fleet CRUD side; the
// statements below only add what the mission subsystem owns.
var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'mission_status') THEN
			CREATE TYPE mission_status AS ENUM ('a_venir', 'en_cours', 'terminee');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'breakdown_type') THEN
			CREATE TYPE breakdown_type AS ENUM ('mecanique', 'electrique', 'pneumatique', 'carrosserie', 'accident', 'autre');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'breakdown_severity') THEN
			CREATE TYPE breakdown_severity AS ENUM ('faible', 'moyenne', 'elevee', 'critique');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'breakdown_status') THEN
			CREATE TYPE breakdown_status AS ENUM ('signalee', 'en_cours', 'resolu');
		END IF;
	END
	$$;`,
	`CREATE TABLE IF NOT EXISTS missions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		title VARCHAR(255) NOT NULL,
		description TEXT,
		origin VARCHAR(255),
		destination VARCHAR(255),
		departure_at TIMESTAMPTZ,
		driver_id UUID REFERENCES profiles(id) ON DELETE SET NULL,
		vehicle_id UUID REFERENCES trucks(id) ON DELETE SET NULL,
		trailer_id UUID REFERENCES trailers(id) ON DELETE SET NULL,
		status mission_status NOT NULL DEFAULT 'a_venir',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		ended_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		created_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_missions_driver_id ON missions (driver_id);`,
	`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions (status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uniq_missions_active_driver
		ON missions (driver_id)
		WHERE status = 'en_cours';`,
	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		driver_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		mission_id UUID REFERENCES missions(id) ON DELETE SET NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		accuracy DOUBLE PRECISION,
		heading DOUBLE PRECISION,
		speed DOUBLE PRECISION,
		captured_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_positions_driver_captured ON positions (driver_id, captured_at);`,
	`CREATE INDEX IF NOT EXISTS idx_positions_mission_id ON positions (mission_id);`,
	`CREATE TABLE IF NOT EXISTS breakdown_reports (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		mission_id UUID NOT NULL REFERENCES missions(id) ON DELETE RESTRICT,
		driver_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		type breakdown_type NOT NULL,
		description TEXT NOT NULL,
		photo_url TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		severity breakdown_severity,
		status breakdown_status NOT NULL DEFAULT 'signalee',
		resolved_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`DO $$
	BEGIN
		IF EXISTS (
			SELECT 1 FROM information_schema.referential_constraints
			WHERE constraint_name = 'breakdown_reports_mission_id_fkey' AND delete_rule = 'CASCADE'
		) THEN
			ALTER TABLE breakdown_reports DROP CONSTRAINT breakdown_reports_mission_id_fkey;
			ALTER TABLE breakdown_reports ADD CONSTRAINT breakdown_reports_mission_id_fkey
				FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE RESTRICT;
		END IF;
	END
	$$;`,
	`CREATE INDEX IF NOT EXISTS idx_breakdown_reports_mission_id ON breakdown_reports (mission_id);`,
	`CREATE INDEX IF NOT EXISTS idx_breakdown_reports_driver_id ON breakdown_reports (driver_id);`,
	`CREATE INDEX IF NOT EXISTS idx_breakdown_reports_status ON breakdown_reports (status);`,
	`CREATE TABLE IF NOT EXISTS mission_status_log (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		mission_id UUID NOT NULL,
		old_status mission_status,
		new_status mission_status NOT NULL,
		note TEXT,
		changed_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_mission_status_log_mission_id ON mission_status_log (mission_id);`,
	`CREATE TABLE IF NOT EXISTS breakdown_status_log (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		breakdown_id UUID NOT NULL REFERENCES breakdown_reports(id) ON DELETE CASCADE,
		old_status breakdown_status,
		new_status breakdown_status NOT NULL,
		note TEXT,
		changed_by UUID REFERENCES profiles(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_breakdown_status_log_breakdown_id ON breakdown_status_log (breakdown_id);`,
	`CREATE OR REPLACE FUNCTION set_row_updated_at()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = NOW();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_missions_updated_at') THEN
			CREATE TRIGGER trg_missions_updated_at
				BEFORE UPDATE ON missions
				FOR EACH ROW
				EXECUTE PROCEDURE set_row_updated_at();
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_breakdown_reports_updated_at') THEN
			CREATE TRIGGER trg_breakdown_reports_updated_at
				BEFORE UPDATE ON breakdown_reports
				FOR EACH ROW
				EXECUTE PROCEDURE set_row_updated_at();
		END IF;
	END
	$$;`,
	`CREATE OR REPLACE FUNCTION reject_position_update()
	RETURNS TRIGGER AS $$
	BEGIN
		-- Only the mission detach done by ON DELETE SET NULL is allowed.
		IF NEW.mission_id IS NULL AND OLD.mission_id IS NOT NULL
			AND NEW.driver_id = OLD.driver_id
			AND NEW.latitude = OLD.latitude
			AND NEW.longitude = OLD.longitude
			AND NEW.captured_at = OLD.captured_at THEN
			RETURN NEW;
		END IF;
		RAISE EXCEPTION 'positions are append-only';
	END;
	$$ LANGUAGE plpgsql;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_positions_immutable') THEN
			CREATE TRIGGER trg_positions_immutable
				BEFORE UPDATE ON positions
				FOR EACH ROW
				EXECUTE PROCEDURE reject_position_update();
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
